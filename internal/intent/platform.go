package intent

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Platform is the runtime hosting the client
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformDesktop Platform = "desktop"
)

// DetectPlatform maps GOOS onto a Platform
func DetectPlatform() Platform {
	switch runtime.GOOS {
	case "android":
		return PlatformAndroid
	case "ios":
		return PlatformIOS
	}
	return PlatformDesktop
}

// ParsePlatform accepts a platform name; empty detects it
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DetectPlatform(), nil
	case "android":
		return PlatformAndroid, nil
	case "ios", "iphone", "ipad":
		return PlatformIOS, nil
	case "desktop", "linux", "darwin", "windows":
		return PlatformDesktop, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// SupportsIntents reports whether companion apps can be reached. iOS
// sandboxes custom schemes; desktops only when explicitly enabled.
func (p Platform) SupportsIntents(desktopEnabled bool) bool {
	switch p {
	case PlatformAndroid:
		return true
	case PlatformIOS:
		return false
	}
	return desktopEnabled
}

// Launcher fires an intent URL
type Launcher interface {
	Launch(ctx context.Context, url string) error
}

// LauncherFunc adapts a function to Launcher
type LauncherFunc func(ctx context.Context, url string) error

func (f LauncherFunc) Launch(ctx context.Context, url string) error {
	return f(ctx, url)
}

// CommandLauncher opens URLs with an external command, the URL appended
// as the last argument
type CommandLauncher struct {
	Command string
	Args    []string
}

// DefaultLauncher returns the opener for p
func DefaultLauncher(p Platform) CommandLauncher {
	switch {
	case p == PlatformAndroid:
		return CommandLauncher{Command: "am", Args: []string{"start", "-a", "android.intent.action.VIEW", "-d"}}
	case runtime.GOOS == "darwin":
		return CommandLauncher{Command: "open"}
	case runtime.GOOS == "windows":
		return CommandLauncher{Command: "rundll32", Args: []string{"url.dll,FileProtocolHandler"}}
	}
	return CommandLauncher{Command: "xdg-open"}
}

func (l CommandLauncher) Launch(ctx context.Context, url string) error {
	args := append(append([]string(nil), l.Args...), url)
	out, err := exec.CommandContext(ctx, l.Command, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", l.Command, err, strings.TrimSpace(string(out)))
	}
	return nil
}
