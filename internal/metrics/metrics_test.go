package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollectorsAreExposed(t *testing.T) {
	IncCallSession("outgoing", "noAnswer")
	IncCallDeclined()
	SetPresenceOnline(3)
	AddRTPBytes("video", 1200)
	IncSyncEvent("appended")
	IncTypingPing("sent")
	AddReplicaRows("sent", "messages", 2)

	body := scrape(t)
	assert.Contains(t, body, "goopchat_presence_online 3")
	assert.Contains(t, body, `goopchat_call_sessions_total{direction="outgoing",outcome="noAnswer"}`)
	assert.Contains(t, body, `goopchat_rtp_received_bytes_total{kind="video"} 1200`)
	assert.Contains(t, body, `goopchat_typing_pings_total{direction="sent"}`)
	assert.Contains(t, body, `goopchat_replica_rows_total{direction="sent",table="messages"} 2`)
}
