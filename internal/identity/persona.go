// Package identity loads the agent persona roster and registers personas as
// users.
package identity

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/pkg/schema"
)

// Capability tags a persona may carry.
const (
	CapabilityChat       = "chat"
	CapabilityTickets    = "tickets"
	CapabilityCodeReview = "code_review"
	CapabilityDebugging  = "debugging"
	CapabilityPlanning   = "planning"
	CapabilityTesting    = "testing"
)

var validCapabilities = map[string]bool{
	CapabilityChat:       true,
	CapabilityTickets:    true,
	CapabilityCodeReview: true,
	CapabilityDebugging:  true,
	CapabilityPlanning:   true,
	CapabilityTesting:    true,
}

// Persona describes one simulated team member.
type Persona struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	Personality  string   `yaml:"personality"`
	Capabilities []string `yaml:"capabilities"`
}

type rosterFile struct {
	Personas []Persona `yaml:"personas"`
}

// ValidateCapability checks that c is a known capability tag.
func ValidateCapability(c string) error {
	if !validCapabilities[c] {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown capability %q", c)
	}
	return nil
}

// ValidatePersona checks required fields on a Persona.
func ValidatePersona(p Persona) error {
	if p.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "persona id is required")
	}
	if p.Name == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "persona %q: name is required", p.ID)
	}
	for _, c := range p.Capabilities {
		if err := ValidateCapability(c); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "persona %q: unknown capability %q", p.ID, c).WithCause(err)
		}
	}
	return nil
}

// ParseRoster decodes a YAML roster. Unknown fields and duplicate ids are
// rejected.
func ParseRoster(data []byte) ([]Persona, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f rosterFile
	if err := dec.Decode(&f); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse persona roster: %v", err).WithCause(err)
	}

	seen := make(map[string]bool, len(f.Personas))
	for _, p := range f.Personas {
		if err := ValidatePersona(p); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate persona id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return f.Personas, nil
}

// LoadRoster reads and parses a roster file.
func LoadRoster(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona roster: %w", err)
	}
	return ParseRoster(data)
}

// EnsureRegistered upserts the persona as an agent user. The original
// creation time of an existing user is kept.
func EnsureRegistered(ctx context.Context, s store.UserStore, p Persona, now time.Time) (*store.User, error) {
	if err := ValidatePersona(p); err != nil {
		return nil, err
	}

	created := now
	existing, err := s.GetUser(ctx, p.ID)
	switch {
	case err == nil:
		created = existing.CreatedAt
	case !schema.IsNotFound(err):
		return nil, err
	}

	u := &store.User{
		ID:           p.ID,
		Name:         p.Name,
		Role:         p.Role,
		Personality:  p.Personality,
		IsAgent:      true,
		Capabilities: append([]string(nil), p.Capabilities...),
		CreatedAt:    created,
	}
	if err := s.UpsertUser(ctx, u); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, p.ID)
}

// RegisterAll registers every persona, stopping at the first failure.
func RegisterAll(ctx context.Context, s store.UserStore, personas []Persona, now time.Time) ([]*store.User, error) {
	users := make([]*store.User, 0, len(personas))
	for _, p := range personas {
		u, err := EnsureRegistered(ctx, s, p, now)
		if err != nil {
			return nil, fmt.Errorf("register persona %q: %w", p.ID, err)
		}
		users = append(users, u)
	}
	return users, nil
}
