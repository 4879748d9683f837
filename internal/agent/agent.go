// Package agent defines the durable identity descriptor for buyers and
// sellers. Identities are immutable snapshots: components copy them, they
// never share live pointers.
package agent

import "time"

// Identity describes an autonomous agent.
type Identity struct {
	ID        string    `json:"id"`   // opaque, DID-style
	Name      string    `json:"name"` // display name
	Wallet    string    `json:"wallet"`
	CreatedAt time.Time `json:"createdAt"`
	Tags      []string  `json:"tags,omitempty"`
}

// Clone returns a deep copy of the identity.
func (id Identity) Clone() Identity {
	out := id
	if id.Tags != nil {
		out.Tags = append([]string(nil), id.Tags...)
	}
	return out
}
