// Package rooms manages whisper rooms: short-lived private channels opened
// during the WHISPER phase with a participant cap, a per-participant message
// cap and an idle timeout.
package rooms
