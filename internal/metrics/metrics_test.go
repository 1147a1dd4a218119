package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/ws-osc-bridge/internal/metrics"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.ClientConnected()
		m.ClientDisconnected()
		m.FrameReceived("text")
		m.FrameRejected(metrics.RejectTooLarge)
		m.DecodeFailed(metrics.SourceStream)
		m.DatagramSent(true, time.Millisecond)
		m.DatagramReceived()
		m.Delivered(1, 1)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Record(t *testing.T) {
	m := metrics.New("oscbridge")

	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	m.DatagramReceived()
	m.Delivered(3, 1)
	m.DatagramSent(false, time.Millisecond)

	count, err := testutil.GatherAndCount(m.Registry(),
		"oscbridge_connected_clients",
		"oscbridge_datagrams_received_total",
		"oscbridge_broadcast_deliveries_total",
		"oscbridge_datagrams_sent_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestMetrics_RecordValues(t *testing.T) {
	m := metrics.New("oscbridge")

	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	m.FrameRejected(metrics.RejectTooLarge)
	m.FrameRejected(metrics.RejectRateLimited)
	m.FrameRejected(metrics.RejectRateLimited)
	m.DecodeFailed(metrics.SourceDatagram)
	m.DatagramReceived()
	m.DatagramReceived()

	expected := `
# HELP oscbridge_connected_clients Number of stream clients currently registered
# TYPE oscbridge_connected_clients gauge
oscbridge_connected_clients 1
# HELP oscbridge_datagrams_received_total Total number of OSC datagrams received on the listen socket
# TYPE oscbridge_datagrams_received_total counter
oscbridge_datagrams_received_total 2
# HELP oscbridge_decode_failures_total Total number of frames or datagrams that failed to decode
# TYPE oscbridge_decode_failures_total counter
oscbridge_decode_failures_total{source="datagram"} 1
# HELP oscbridge_frames_rejected_total Total number of stream frames refused before decoding
# TYPE oscbridge_frames_rejected_total counter
oscbridge_frames_rejected_total{reason="rate_limited"} 2
oscbridge_frames_rejected_total{reason="too_large"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"oscbridge_connected_clients",
		"oscbridge_datagrams_received_total",
		"oscbridge_decode_failures_total",
		"oscbridge_frames_rejected_total",
	))
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New("oscbridge")
	m.FrameReceived("binary")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `oscbridge_frames_received_total{kind="binary"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
