package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Equal(t, Default(), Settings{}.WithDefaults())
}

func TestWithDefaultsMergesTimers(t *testing.T) {
	s := Settings{
		MinParticipants: 2,
		PhaseTimers:     map[string]time.Duration{"LOBBY": time.Second, "INTRODUCTION": 0},
	}.WithDefaults()

	assert.Equal(t, 2, s.MinParticipants)
	assert.Equal(t, 8, s.MaxParticipants)
	assert.Equal(t, time.Second, s.PhaseTimers["LOBBY"])
	assert.Equal(t, 5*time.Minute, s.PhaseTimers["RUMOR"])
	assert.Contains(t, s.PhaseTimers, "INTRODUCTION")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"min below one", func(s *Settings) { s.MinParticipants = 0 }, "min_participants"},
		{"max below min", func(s *Settings) { s.MaxParticipants = 2 }, "max_participants"},
		{"room too small", func(s *Settings) { s.WhisperRoomMaxParticipants = 1 }, "whisper_room_max_participants"},
		{"negative timer", func(s *Settings) { s.PhaseTimers["VOTE"] = -time.Second }, "phase_timers[VOTE]"},
		{"no barrier timeout", func(s *Settings) { s.BarrierTimeout = 0 }, "barrier_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseSettingsYAML(t *testing.T) {
	doc := `
min_participants: 2
max_participants: 4
barrier_timeout: 30s
whisper_room_timeout: 45s
phase_timers:
  LOBBY: 2m
`
	s, err := ParseSettings([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, s.MinParticipants)
	assert.Equal(t, 4, s.MaxParticipants)
	assert.Equal(t, 30*time.Second, s.BarrierTimeout)
	assert.Equal(t, 45*time.Second, s.WhisperRoomTimeout)
	assert.Equal(t, 2*time.Minute, s.PhaseTimers["LOBBY"])
	assert.Equal(t, 3*time.Minute, s.PhaseTimers["VOTE"])
}

func TestParseSettingsJSON(t *testing.T) {
	s, err := ParseSettings([]byte(`{"min_participants": 2, "lobby_messages_per_participant": 2, "phase_timers": {"VOTE": "10s"}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, s.LobbyMessagesPerParticipant)
	assert.Equal(t, 10*time.Second, s.PhaseTimers["VOTE"])
}

func TestParseSettingsRejectsInvalid(t *testing.T) {
	_, err := ParseSettings([]byte(`min_participants: 9`))
	assert.ErrorContains(t, err, "invalid settings")

	_, err = ParseSettings([]byte(`min_participants: [`))
	assert.ErrorContains(t, err, "parse settings")
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preset.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_participants: 6\n"), 0o600))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 6, s.MaxParticipants)

	_, err = LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	in := Default()
	in.PhaseTimers["VOTE"] = 45 * time.Second
	in.MaxParticipants = 5

	data, err := in.Encode()
	require.NoError(t, err)

	out, err := ParseSettings(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
