// Package storage persists game state and transcripts behind a small
// key-value interface.
//
// # Layout
//
//	┌─────────────────────────────────────┐
//	│   Game Registry / Room Manager      │
//	└─────────────────────────────────────┘
//	         │                 │
//	         ▼                 ▼
//	┌────────────────┐ ┌────────────────┐
//	│ Pairs records  │ │  Transcripts   │
//	│ games/<id>/... │ │ transcripts/.. │
//	└────────────────┘ └────────────────┘
//	         │                 │
//	         └────────┬────────┘
//	                  ▼
//	┌─────────────────────────────────────┐
//	│         Store (MemoryStore)         │
//	└─────────────────────────────────────┘
//
// # Records
//
// Game snapshots are written as Pairs: an ordered list of string key/value
// pairs. Lists are flattened to key/0, key/1, ... and timestamps are RFC 3339.
// Every field is converted explicitly on the way in and out, so a record
// written by one version can be read field by field by the next.
//
// # Transcripts
//
// Transcripts appends one entry per relayed message under
// transcripts/<roomID>/<seq>. Sequence numbers are zero-padded so a prefix
// List returns entries in append order.
//
// # Thread Safety
//
// MemoryStore guards its map with a sync.RWMutex and copies values in and out.
// Transcripts serializes appends so sequence numbers are gap-free per room.
package storage
