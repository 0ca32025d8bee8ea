package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftmq/riftmq/wire"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_ConnectionLifecycle(t *testing.T) {
	m := New()
	m.OnConnectionAccepted()
	m.OnConnectionAccepted()
	m.OnConnectionRejected()
	m.OnDisconnect("CLIENT_DISCONNECT")

	body := scrape(t, m)
	assert.Contains(t, body, "riftmq_connections_accepted_total 2")
	assert.Contains(t, body, "riftmq_connections_rejected_total 1")
	assert.Contains(t, body, "riftmq_connections_active 1")
	assert.True(t, strings.Contains(body, `riftmq_connections_disconnects_total{reason="CLIENT_DISCONNECT"} 1`))
}

func TestMetrics_MalformedPacket(t *testing.T) {
	m := New()
	m.OnMalformedPacket()

	body := scrape(t, m)
	assert.Contains(t, body, "riftmq_protocol_malformed_packets_total 1")
}

func TestMetrics_PublishRoutedLabelsByQoS(t *testing.T) {
	m := New()
	m.OnPublishRouted(wire.QoS0)
	m.OnPublishRouted(wire.QoS1)
	m.OnPublishRouted(wire.QoS1)

	body := scrape(t, m)
	assert.Contains(t, body, `riftmq_publish_routed_total{qos="QoS0"} 1`)
	assert.Contains(t, body, `riftmq_publish_routed_total{qos="QoS1"} 2`)
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.SetRetainedCount(5)
	m.SetActiveSessions(3)

	body := scrape(t, m)
	assert.Contains(t, body, "riftmq_retained_messages 5")
	assert.Contains(t, body, "riftmq_sessions_active 3")
}
