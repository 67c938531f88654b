package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one line of a room or channel transcript.
type Entry struct {
	At       time.Time `json:"at"`
	RoomID   string    `json:"roomId"`
	AuthorID string    `json:"authorId"`
	Content  string    `json:"content"`
	Seq      int       `json:"seq"`
}

// Transcripts appends and queries per-room message logs on top of a Store.
// Keys are transcripts/<roomID>/<seq>, with seq zero-padded so List returns
// entries in append order.
type Transcripts struct {
	store Store
	mu    sync.Mutex
	next  map[string]int // roomID -> next sequence number
}

// NewTranscripts wraps store.
func NewTranscripts(store Store) *Transcripts {
	return &Transcripts{store: store, next: make(map[string]int)}
}

func transcriptPrefix(roomID string) string {
	return "transcripts/" + roomID + "/"
}

// Append records one entry and returns it with its sequence number set.
func (t *Transcripts) Append(roomID, authorID, content string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq, ok := t.next[roomID]
	if !ok {
		// Resume after entries persisted by an earlier process.
		seq = len(t.store.List(transcriptPrefix(roomID)))
	}

	e := Entry{RoomID: roomID, AuthorID: authorID, Content: content, At: time.Now().UTC(), Seq: seq}
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	if err := t.store.Put(fmt.Sprintf("%s%08d", transcriptPrefix(roomID), seq), data); err != nil {
		return Entry{}, fmt.Errorf("append transcript %s: %w", roomID, err)
	}
	t.next[roomID] = seq + 1
	return e, nil
}

// Query returns the entries of roomID with Seq >= since, in append order.
func (t *Transcripts) Query(roomID string, since int) ([]Entry, error) {
	var out []Entry
	for _, key := range t.store.List(transcriptPrefix(roomID)) {
		data, err := t.store.Get(key)
		if err != nil {
			continue // Deleted between List and Get
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("transcript entry %s: %w", key, err)
		}
		if e.Seq >= since {
			out = append(out, e)
		}
	}
	return out, nil
}

// Purge deletes the transcript of roomID.
func (t *Transcripts) Purge(roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range t.store.List(transcriptPrefix(roomID)) {
		if err := t.store.Delete(key); err != nil {
			return err
		}
	}
	delete(t.next, roomID)
	return nil
}

// Rooms lists the room ids that have a transcript.
func (t *Transcripts) Rooms() []string {
	seen := make(map[string]bool)
	var out []string
	for _, key := range t.store.List("transcripts/") {
		rest := strings.TrimPrefix(key, "transcripts/")
		id, _, _ := strings.Cut(rest, "/")
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
