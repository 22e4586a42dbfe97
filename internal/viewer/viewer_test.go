package viewer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferSplitsLinesAndParsesJSON(t *testing.T) {
	b := NewLogBuffer(2)

	_, _ = b.Write([]byte("plain line\n{\"level\":\"info\",\"logger\":\"call\",\"msg\":\"placing\"}"))
	_, _ = b.Write([]byte("\n\n"))

	got := b.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "plain line", got[0].Msg)
	assert.Empty(t, got[0].Level)
	assert.Equal(t, "placing", got[1].Msg)
	assert.Equal(t, "call", got[1].Logger)
	assert.Equal(t, "info", got[1].Level)

	_, _ = b.Write([]byte("third\n"))
	got = b.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[1].Msg)
}

func TestLogBufferSubscribers(t *testing.T) {
	b := NewLogBuffer(10)
	ch, cancel := b.Subscribe()

	_, _ = b.Write([]byte("hello\n"))
	select {
	case e := <-ch:
		assert.Equal(t, "hello", e.Msg)
	case <-time.After(time.Second):
		t.Fatal("no entry")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestHandlerServesLogsWithoutCaching(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("ready\n"))

	rec := httptest.NewRecorder()
	Handler(Viewer{Logs: logs}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"msg":"ready"`)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
}

func TestHandlerServesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(Viewer{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goopchat_")
	assert.Empty(t, rec.Header().Get("Cache-Control"))
}

func TestStartStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc, err := Start(ctx, "127.0.0.1:0", Viewer{})
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
