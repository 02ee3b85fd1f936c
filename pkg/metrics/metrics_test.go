package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameSent("KeyDown")
		m.FrameReceived("Response")
		m.FrameDropped("unknown_id")
		m.TransferBytes("file", 10)
		m.TransferComplete("file")
		m.TransferOverflow("file")
		m.Reconnect()
		m.SignalState("open", []string{"open"})
		m.LatencySample(0.1)
		m.EncoderQP(20)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.FrameSent("KeyDown")
	m.FrameSent("KeyDown")
	m.FrameDropped("unknown_id")
	m.TransferBytes("freeze_frame", 128)
	m.Reconnect()
	m.SignalState("open", []string{"idle", "connecting", "open", "closed"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesSent.WithLabelValues("KeyDown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("unknown_id")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.transferBytes.WithLabelValues("freeze_frame")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signalState.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.signalState.WithLabelValues("closed")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.EncoderQP(31)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "pixelpeep_encoder_average_qp 31"))
}
