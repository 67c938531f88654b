package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomock "go.uber.org/mock/gomock"

	"github.com/dreamware/whisperhouse/internal/storage"
	"github.com/dreamware/whisperhouse/internal/wire"
)

func collect(t *testing.T, ch <-chan Message, n int) []Message {
	t.Helper()
	var out []Message
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case m, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed after %d of %d messages", len(out), n)
			}
			out = append(out, m)
		case <-timeout:
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestMemoryStreamIsOrderedAndLossless(t *testing.T) {
	r := NewMemory(nil)
	stream, err := r.StreamMessages(t.Context(), "lobby")
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		_, err := r.Send(context.Background(), "lobby", strconv.Itoa(i), "alice")
		require.NoError(t, err)
	}
	_, _ = r.Send(context.Background(), "elsewhere", "ignored", "bob")

	got := collect(t, stream, 200)
	for i, m := range got {
		assert.Equal(t, strconv.Itoa(i), m.Content)
		assert.Equal(t, i, m.Seq)
		assert.Equal(t, "lobby", m.ChannelID)
	}
}

func TestMemoryStreamEndsWithContext(t *testing.T) {
	r := NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := r.StreamMessages(ctx, "lobby")
	require.Equal(t, 1, r.Watchers("lobby"))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return r.Watchers("lobby") == 0 }, time.Second, 5*time.Millisecond)

	_, err := r.Send(ctx, "lobby", "late", "alice")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryWritesTranscripts(t *testing.T) {
	tr := storage.NewTranscripts(storage.NewMemoryStore())
	r := NewMemory(tr)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Send(context.Background(), "room-1", fmt.Sprintf("m%d", i), "alice")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := tr.Query("room-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 20)

	history := r.History("room-1", 0)
	require.Len(t, history, 20)
	for i := range history {
		assert.Equal(t, entries[i].Content, history[i].Content, "transcript and history share one order")
	}
	assert.Len(t, r.History("room-1", 15), 5)
	assert.Empty(t, r.History("room-1", 40))
	assert.Empty(t, r.History("missing", 0))
}

func TestSlackMirror(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := NewMockSlackClient(ctrl)
	client.EXPECT().
		PostMessageContext(gomock.Any(), "C123", gomock.Any()).
		Return("C123", "1700000000.000100", nil).Times(1)
	client.EXPECT().
		PostMessageContext(gomock.Any(), "C123", gomock.Any()).
		Return("", "", errors.New("rate limited")).Times(1)

	mem := NewMemory(nil)
	mirror := NewSlackMirror(mem, client, "C123", nil)

	stream, err := mirror.StreamMessages(t.Context(), "lobby")
	require.NoError(t, err)

	_, err = mirror.Send(context.Background(), "lobby", "hello", "alice")
	require.NoError(t, err)
	_, err = mirror.Send(context.Background(), "lobby", "again", "bob")
	require.NoError(t, err, "a Slack failure never fails the send")

	got := collect(t, stream, 2)
	assert.Equal(t, "bob", got[1].AuthorID)
}

func TestSlackMirrorSkipsFailedSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := NewMockSlackClient(ctrl)
	client.EXPECT().PostMessageContext(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSlackMirror(NewMemory(nil), client, "C123", nil).Send(ctx, "lobby", "hi", "alice")
	assert.Error(t, err)
}

// fakeHouse serves the channel message routes of the house API from a Memory relay.
func fakeHouse(t *testing.T, mem *Memory) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Path[len("/channels/") : len(r.URL.Path)-len("/messages")]
		switch r.Method {
		case http.MethodPost:
			var req wire.PostMessageRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			m, err := mem.Send(r.Context(), channelID, req.Content, req.AuthorID)
			assert.NoError(t, err)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(m)
		case http.MethodGet:
			since, _ := strconv.Atoi(r.URL.Query().Get("since"))
			json.NewEncoder(w).Encode(mem.History(channelID, since))
		}
	}))
}

func TestHTTPClientSendAndStream(t *testing.T) {
	mem := NewMemory(nil)
	server := fakeHouse(t, mem)
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", 10*time.Millisecond, nil)
	_, err := client.Send(context.Background(), "lobby", "first", "alice")
	require.NoError(t, err)

	stream, err := client.StreamMessages(t.Context(), "lobby")
	require.NoError(t, err)

	m, err := client.Send(context.Background(), "lobby", "second", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Seq)

	got := collect(t, stream, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "second", got[1].Content)

	// Nothing is delivered twice across polls.
	select {
	case extra := <-stream:
		t.Fatalf("unexpected redelivery %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
