package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings configures one game. Zero values are replaced by defaults in WithDefaults.
type Settings struct {
	// PhaseTimers maps a phase name (e.g. "LOBBY") to its timer. Phases
	// without an entry have no timer.
	PhaseTimers map[string]time.Duration `yaml:"phase_timers"`

	MinParticipants int `yaml:"min_participants"`
	MaxParticipants int `yaml:"max_participants"`

	// BarrierTimeout bounds every readiness barrier wait.
	BarrierTimeout time.Duration `yaml:"barrier_timeout"`

	LobbyMessagesPerParticipant int `yaml:"lobby_messages_per_participant"`

	WhisperRoomMaxParticipants    int           `yaml:"whisper_room_max_participants"`
	WhisperMessagesPerParticipant int           `yaml:"whisper_messages_per_participant"`
	WhisperRoomTimeout            time.Duration `yaml:"whisper_room_timeout"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMaxMisses int           `yaml:"heartbeat_max_misses"`
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	return Settings{
		MinParticipants: 3,
		MaxParticipants: 8,
		PhaseTimers: map[string]time.Duration{
			"LOBBY":   10 * time.Minute,
			"WHISPER": 10 * time.Minute,
			"RUMOR":   5 * time.Minute,
			"VOTE":    3 * time.Minute,
			"POWER":   2 * time.Minute,
			"REVEAL":  2 * time.Minute,
		},
		BarrierTimeout:                2 * time.Minute,
		LobbyMessagesPerParticipant:   3,
		WhisperRoomMaxParticipants:    4,
		WhisperMessagesPerParticipant: 5,
		WhisperRoomTimeout:            90 * time.Second,
		HeartbeatInterval:             5 * time.Second,
		HeartbeatMaxMisses:            3,
	}
}

// WithDefaults fills every zero field from Default. PhaseTimers is merged
// per phase, so a preset can override one timer without repeating the rest.
func (s Settings) WithDefaults() Settings {
	d := Default()
	if s.MinParticipants == 0 {
		s.MinParticipants = d.MinParticipants
	}
	if s.MaxParticipants == 0 {
		s.MaxParticipants = d.MaxParticipants
	}
	if s.BarrierTimeout == 0 {
		s.BarrierTimeout = d.BarrierTimeout
	}
	if s.LobbyMessagesPerParticipant == 0 {
		s.LobbyMessagesPerParticipant = d.LobbyMessagesPerParticipant
	}
	if s.WhisperRoomMaxParticipants == 0 {
		s.WhisperRoomMaxParticipants = d.WhisperRoomMaxParticipants
	}
	if s.WhisperMessagesPerParticipant == 0 {
		s.WhisperMessagesPerParticipant = d.WhisperMessagesPerParticipant
	}
	if s.WhisperRoomTimeout == 0 {
		s.WhisperRoomTimeout = d.WhisperRoomTimeout
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = d.HeartbeatInterval
	}
	if s.HeartbeatMaxMisses == 0 {
		s.HeartbeatMaxMisses = d.HeartbeatMaxMisses
	}

	timers := make(map[string]time.Duration, len(d.PhaseTimers))
	for phase, dur := range d.PhaseTimers {
		timers[phase] = dur
	}
	for phase, dur := range s.PhaseTimers {
		timers[phase] = dur
	}
	s.PhaseTimers = timers
	return s
}

// Validate rejects settings that cannot run a game.
func (s Settings) Validate() error {
	var errs []error
	if s.MinParticipants < 1 {
		errs = append(errs, fmt.Errorf("min_participants must be at least 1, got %d", s.MinParticipants))
	}
	if s.MaxParticipants < s.MinParticipants {
		errs = append(errs, fmt.Errorf("max_participants (%d) must not be below min_participants (%d)", s.MaxParticipants, s.MinParticipants))
	}
	if s.BarrierTimeout <= 0 {
		errs = append(errs, errors.New("barrier_timeout must be positive"))
	}
	if s.LobbyMessagesPerParticipant < 1 {
		errs = append(errs, errors.New("lobby_messages_per_participant must be at least 1"))
	}
	if s.WhisperRoomMaxParticipants < 2 {
		errs = append(errs, fmt.Errorf("whisper_room_max_participants must be at least 2, got %d", s.WhisperRoomMaxParticipants))
	}
	if s.WhisperMessagesPerParticipant < 1 {
		errs = append(errs, errors.New("whisper_messages_per_participant must be at least 1"))
	}
	if s.WhisperRoomTimeout <= 0 {
		errs = append(errs, errors.New("whisper_room_timeout must be positive"))
	}
	if s.HeartbeatInterval <= 0 || s.HeartbeatMaxMisses < 1 {
		errs = append(errs, errors.New("heartbeat_interval and heartbeat_max_misses must be positive"))
	}
	for phase, d := range s.PhaseTimers {
		if d < 0 {
			errs = append(errs, fmt.Errorf("phase_timers[%s] must not be negative", phase))
		}
	}
	return errors.Join(errs...)
}

// ParseSettings decodes a YAML (or JSON) settings document, fills defaults
// and validates the result. Durations are Go duration strings such as "90s".
func ParseSettings(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// LoadSettings reads a settings preset file.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	return ParseSettings(data)
}

// Encode renders the settings as a YAML document ParseSettings accepts.
func (s Settings) Encode() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return data, nil
}
