// ABOUTME: Agent profiles and the roster that resolves agents by id or name
// ABOUTME: The roster is swapped atomically when the roster file is reloaded

package agent

import (
	"slices"
	"strings"
	"sync"
)

// Profile is a configured agent persona.
type Profile struct {
	ID          string   `json:"id" toml:"id" yaml:"id"`
	Name        string   `json:"name" toml:"name" yaml:"name"`
	Description string   `json:"description,omitempty" toml:"description" yaml:"description"`
	Instruction string   `json:"instruction,omitempty" toml:"instruction" yaml:"instruction"`
	Credential  string   `json:"-" toml:"api_key" yaml:"api_key"`
	Model       string   `json:"model,omitempty" toml:"model" yaml:"model"`
	Tools       []string `json:"tools,omitempty" toml:"tools" yaml:"tools"`
	Knowledge   string   `json:"knowledge,omitempty" toml:"knowledge" yaml:"knowledge"`
}

// DisplayName returns the name, falling back to the id.
func (p *Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Roster holds the configured agents in declaration order.
type Roster struct {
	mu       sync.RWMutex
	profiles []*Profile
}

// NewRoster creates a roster from profiles.
func NewRoster(profiles []*Profile) *Roster {
	return &Roster{profiles: slices.Clone(profiles)}
}

// Get resolves an agent by exact id, then by case-insensitive id or name.
func (r *Roster) Get(ref string) (*Profile, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.profiles {
		if p.ID == ref {
			return p, true
		}
	}
	for _, p := range r.profiles {
		if strings.EqualFold(p.ID, ref) || strings.EqualFold(p.Name, ref) {
			return p, true
		}
	}
	return nil, false
}

// All returns every profile.
func (r *Roster) All() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.profiles)
}

// Filter returns the profiles whose ids are in ids, in roster order.
// An empty ids slice selects every profile.
func (r *Roster) Filter(ids []string) []*Profile {
	if len(ids) == 0 {
		return r.All()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Profile
	for _, p := range r.profiles {
		if slices.Contains(ids, p.ID) {
			out = append(out, p)
		}
	}
	return out
}

// Replace swaps the roster's contents.
func (r *Roster) Replace(profiles []*Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = slices.Clone(profiles)
}

// Len returns the number of profiles.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// NameOf returns the display name for an agent id, or the id itself.
func (r *Roster) NameOf(id string) string {
	if r == nil {
		return id
	}
	if p, ok := r.Get(id); ok {
		return p.DisplayName()
	}
	return id
}
