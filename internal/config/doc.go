// Package config holds per-game settings: participant bounds, phase timers,
// message budgets and whisper-room caps.
package config
