package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Settings are the scheduling parameters for one doctor or clinic.
type Settings struct {
	MinLeadMinutes     int
	BufferMinutes      int
	DefaultSlotMinutes int
	Location           *time.Location
}

// DefaultSettings returns a one hour lead, no buffer, 30 minute slots in UTC.
func DefaultSettings() Settings {
	return Settings{
		MinLeadMinutes:     60,
		BufferMinutes:      0,
		DefaultSlotMinutes: 30,
		Location:           time.UTC,
	}
}

// NewSettings builds Settings, resolving the IANA timezone name.
func NewSettings(minLead, buffer, defaultSlot int, timezone string) (Settings, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Settings{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	s := Settings{
		MinLeadMinutes:     minLead,
		BufferMinutes:      buffer,
		DefaultSlotMinutes: defaultSlot,
		Location:           loc,
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	if s.MinLeadMinutes < 0 {
		return fmt.Errorf("min lead minutes must be >= 0, got %d", s.MinLeadMinutes)
	}
	if s.BufferMinutes < 0 {
		return fmt.Errorf("buffer minutes must be >= 0, got %d", s.BufferMinutes)
	}
	if s.DefaultSlotMinutes <= 0 {
		return fmt.Errorf("default slot minutes must be > 0, got %d", s.DefaultSlotMinutes)
	}
	return nil
}

// Policy derives the conflict policy for these settings.
func (s Settings) Policy() Policy {
	return Policy{
		MinLead:       time.Duration(s.MinLeadMinutes) * time.Minute,
		BufferMinutes: s.BufferMinutes,
	}
}

func (s Settings) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// SettingsProvider supplies per-doctor scheduling settings.
type SettingsProvider interface {
	SettingsFor(ctx context.Context, doctorID uuid.UUID) (Settings, error)
}

// StaticSettings applies the same settings to every doctor.
type StaticSettings Settings

func (s StaticSettings) SettingsFor(_ context.Context, _ uuid.UUID) (Settings, error) {
	return Settings(s), nil
}
