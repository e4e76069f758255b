// Package types provides shared type definitions used across internal packages.
package types

import (
	"encoding/json"
	"slices"
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
	// Relay that delivered the event (not serialized)
	Relay string `json:"-"`
}

// UnsignedEvent is an event that still needs a pubkey, id and signature.
// The pubkey is omitted on the wire: remote signers derive it themselves.
type UnsignedEvent struct {
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt int64      `json:"created_at"`
}

// Template returns the unsigned part of a signed event
func (e *Event) Template() UnsignedEvent {
	return UnsignedEvent{
		Kind:      e.Kind,
		Content:   e.Content,
		Tags:      e.Tags,
		CreatedAt: e.CreatedAt,
	}
}

// TagValues returns the second element of every tag with the given name
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	PTags   []string // #p tag filter
	ETags   []string // #e tag filter
}

// MarshalJSON encodes the filter in relay wire format, omitting empty fields
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if len(f.PTags) > 0 {
		m["#p"] = f.PTags
	}
	if len(f.ETags) > 0 {
		m["#e"] = f.ETags
	}
	return json.Marshal(m)
}

// Matches reports whether an event satisfies the filter
func (f Filter) Matches(evt Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	if len(f.PTags) > 0 && !anyIn(evt.TagValues("p"), f.PTags) {
		return false
	}
	if len(f.ETags) > 0 && !anyIn(evt.TagValues("e"), f.ETags) {
		return false
	}
	return true
}

func anyIn(values, wanted []string) bool {
	for _, v := range values {
		if slices.Contains(wanted, v) {
			return true
		}
	}
	return false
}
