package types

// RelayPerms controls what a relay connection is used for
type RelayPerms struct {
	Read  bool
	Write bool
}

// PublishResult is the outcome of publishing one event to one relay
type PublishResult struct {
	Relay   string
	OK      bool
	Message string // Reason from the relay's OK frame, if any
	Err     error  // Transport failure (dial, write, timeout)
}
