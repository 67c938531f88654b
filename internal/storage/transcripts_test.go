package storage

import (
	"fmt"
	"sync"
	"testing"
)

func TestTranscriptsAppendQuery(t *testing.T) {
	tr := NewTranscripts(NewMemoryStore())

	for i, author := range []string{"alice", "bob", "alice"} {
		e, err := tr.Append("room-1", author, fmt.Sprintf("msg %d", i))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if e.Seq != i {
			t.Errorf("Expected seq %d, got %d", i, e.Seq)
		}
	}
	_, _ = tr.Append("room-2", "carol", "elsewhere")

	entries, err := tr.Query("room-1", 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[2].AuthorID != "alice" || entries[2].Content != "msg 2" {
		t.Errorf("Unexpected last entry %+v", entries[2])
	}

	since, _ := tr.Query("room-1", 2)
	if len(since) != 1 || since[0].Seq != 2 {
		t.Errorf("Query since=2 returned %+v", since)
	}

	rooms := tr.Rooms()
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms, got %v", rooms)
	}
}

func TestTranscriptsResumeSequence(t *testing.T) {
	store := NewMemoryStore()
	first := NewTranscripts(store)
	_, _ = first.Append("room-1", "alice", "one")
	_, _ = first.Append("room-1", "bob", "two")

	second := NewTranscripts(store)
	e, err := second.Append("room-1", "carol", "three")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if e.Seq != 2 {
		t.Errorf("Expected resumed seq 2, got %d", e.Seq)
	}
}

func TestTranscriptsConcurrentAppend(t *testing.T) {
	tr := NewTranscripts(NewMemoryStore())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := tr.Append("room-1", fmt.Sprintf("p%d", i%5), "hi"); err != nil {
				t.Errorf("Append failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	entries, _ := tr.Query("room-1", 0)
	if len(entries) != 50 {
		t.Fatalf("Expected 50 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i {
			t.Errorf("Entry %d has seq %d", i, e.Seq)
		}
	}
}

func TestTranscriptsPurge(t *testing.T) {
	tr := NewTranscripts(NewMemoryStore())
	_, _ = tr.Append("room-1", "alice", "one")

	if err := tr.Purge("room-1"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	entries, _ := tr.Query("room-1", 0)
	if len(entries) != 0 {
		t.Errorf("Expected empty transcript, got %d", len(entries))
	}
	e, _ := tr.Append("room-1", "alice", "again")
	if e.Seq != 0 {
		t.Errorf("Expected seq reset, got %d", e.Seq)
	}
}
