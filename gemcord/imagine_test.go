package gemcord

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeQueue struct {
	*httptest.Server

	mu      sync.Mutex
	joins   []queueJoinRequest
	hashes  []string
	events  []string
	hang    bool
	joinErr bool
}

func newFakeQueue(t *testing.T, events ...string) *fakeQueue {
	t.Helper()
	q := &fakeQueue{events: events}
	mux := http.NewServeMux()
	mux.HandleFunc(
		"POST "+queueJoinPath, func(w http.ResponseWriter, r *http.Request) {
			var req queueJoinRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			q.mu.Lock()
			q.joins = append(q.joins, req)
			joinErr := q.joinErr
			q.mu.Unlock()
			if joinErr {
				http.Error(w, "nope", http.StatusServiceUnavailable)
				return
			}
			_, _ = fmt.Fprint(w, `{"event_id":"abc"}`)
		},
	)
	mux.HandleFunc(
		"GET "+queueDataPath, func(w http.ResponseWriter, r *http.Request) {
			q.mu.Lock()
			q.hashes = append(q.hashes, r.URL.Query().Get("session_hash"))
			events := q.events
			hang := q.hang
			q.mu.Unlock()

			w.Header().Set("Content-Type", "text/event-stream")
			flusher, _ := w.(http.Flusher)
			for _, e := range events {
				_, _ = fmt.Fprintf(w, "data: %s\n\n", e)
				if flusher != nil {
					flusher.Flush()
				}
			}
			if hang {
				<-r.Context().Done()
			}
		},
	)
	q.Server = httptest.NewServer(mux)
	t.Cleanup(q.Close)
	return q
}

func testImageClient(q *fakeQueue) *ImageClient {
	cfg := DefaultConfig().Imagine
	cfg.URL = q.URL + "/"
	cfg.Backoff = time.Millisecond
	cfg.Timeout = 5 * time.Second
	c := newImageClient(cfg, q.Client(), slog.Default())
	c.seed = func() int64 { return 42 }
	return c
}

func TestImageClient_Landscape(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(
		t,
		`{"msg":"estimation","rank":0}`,
		`{"msg":"process_starts"}`,
		`{"msg":"process_completed","success":true,"output":{"data":[{"url":"https://img.example/out.webp"},42]}}`,
	)
	client := testImageClient(q)
	client.sessionHash = func() string { return "ab1c2" }

	u, err := client.Generate(
		context.Background(),
		ImageRequest{Prompt: "a lighthouse", AspectRatio: AspectRatioLandscape},
	)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/out.webp", u)

	require.Len(t, q.joins, 1)
	join := q.joins[0]
	assert.Equal(t, "ab1c2", join.SessionHash)
	assert.Equal(t, DefaultImagineFnIndex, join.FnIndex)
	assert.Equal(t, DefaultImagineTriggerID, join.TriggerID)
	assert.Nil(t, join.EventData)
	require.Len(t, join.Data, 6)
	assert.Equal(t, "a lighthouse", join.Data[0])
	assert.EqualValues(t, 42, join.Data[1])
	assert.Equal(t, false, join.Data[2])
	assert.EqualValues(t, 1280, join.Data[3])
	assert.EqualValues(t, 768, join.Data[4])
	assert.EqualValues(t, DefaultImagineSteps, join.Data[5])
	assert.Equal(t, []string{"ab1c2"}, q.hashes)
}

func TestImageClient_Gallery(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(
		t,
		`{"msg":"process_completed","success":true,"output":{"data":[[{"image":{"url":"https://img.example/1.png"},"caption":null}]]}}`,
	)
	u, err := testImageClient(q).Generate(
		context.Background(),
		ImageRequest{Prompt: "x", AspectRatio: AspectRatioPortrait},
	)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/1.png", u)
	assert.EqualValues(t, 768, q.joins[0].Data[3])
	assert.EqualValues(t, 1280, q.joins[0].Data[4])
}

func TestImageClient_MissingURL(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(
		t,
		`{"msg":"process_completed","success":true,"output":{"data":[{"path":"/tmp/x.png"}]}}`,
	)
	_, err := testImageClient(q).Generate(
		context.Background(),
		ImageRequest{Prompt: "x", AspectRatio: AspectRatioSquare},
	)
	require.ErrorIs(t, err, ErrImageURLMissing)
	// retried up to the configured attempts
	assert.Len(t, q.joins, DefaultImagineMaxAttempts)
}

func TestImageClient_Failed(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(
		t,
		`{"msg":"process_completed","success":false,"output":{"error":"GPU quota exceeded"}}`,
	)
	client := testImageClient(q)
	client.maxAttempts = 1

	_, err := client.Generate(context.Background(), ImageRequest{Prompt: "x"})
	require.ErrorIs(t, err, ErrImageGenerationError)
	assert.Contains(t, err.Error(), "GPU quota exceeded")
}

func TestImageClient_StreamEnds(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(t, `{"msg":"estimation"}`)
	client := testImageClient(q)
	client.maxAttempts = 1

	_, err := client.Generate(context.Background(), ImageRequest{Prompt: "x"})
	require.ErrorIs(t, err, ErrImageStreamEnded)
}

func TestImageClient_JoinError(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(t)
	q.joinErr = true
	client := testImageClient(q)

	_, err := client.Generate(context.Background(), ImageRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Len(t, q.joins, DefaultImagineMaxAttempts)
	assert.Empty(t, q.hashes)
}

func TestImageClient_Timeout(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(t, `{"msg":"process_starts"}`)
	q.hang = true
	client := testImageClient(q)
	client.timeout = 100 * time.Millisecond
	client.maxAttempts = 2

	start := time.Now()
	_, err := client.Generate(context.Background(), ImageRequest{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, q.joins, 2)
}

func TestImageClient_Cancelled(t *testing.T) {
	t.Parallel()
	q := newFakeQueue(t)
	q.hang = true
	client := testImageClient(q)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := client.Generate(ctx, ImageRequest{Prompt: "x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, q.joins, 1)
}

func TestAspectRatio_Dimensions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ratio  AspectRatio
		width  int
		height int
	}{
		{AspectRatioSquare, 1024, 1024},
		{AspectRatioLandscape, 1280, 768},
		{AspectRatioPortrait, 768, 1280},
		{"", 1024, 1024},
	}
	for _, tc := range tests {
		w, h := tc.ratio.Dimensions()
		assert.Equal(t, tc.width, w, tc.ratio)
		assert.Equal(t, tc.height, h, tc.ratio)
	}
}

func TestRandomSessionHash(t *testing.T) {
	t.Parallel()
	for i := 0; i < 20; i++ {
		h := randomSessionHash()
		assert.Len(t, h, sessionHashLength)
		assert.Regexp(t, `^[a-z0-9]{5}$`, h)
	}
}

func TestImageClient_Enabled(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig().Imagine
	assert.False(t, newImageClient(cfg, nil, slog.Default()).Enabled())
	cfg.URL = "http://localhost:7860"
	assert.True(t, newImageClient(cfg, nil, slog.Default()).Enabled())
}
