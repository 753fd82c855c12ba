package monitoring

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stemnet/stemd/dandelion"
	"github.com/stemnet/stemd/txrelay"
	"github.com/stretchr/testify/require"
)

// TestMetrics asserts that relay events are counted under their labels.
func TestMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.TxRouted(dandelion.Stem)
	m.TxRouted(dandelion.Stem)
	m.TxRouted(dandelion.Fluff)
	m.EpochRotated(dandelion.Fluff)
	m.StemFailed()
	m.EmbargoFired()
	m.PeerBroadcastFailed()
	m.TxRejected(txrelay.RejectFeeTooLow | txrelay.RejectTooBig)
	m.TxRejected(txrelay.RejectTooBig)

	require.EqualValues(t, 2, testutil.ToFloat64(
		m.txsRouted.WithLabelValues("stem"),
	))
	require.EqualValues(t, 1, testutil.ToFloat64(
		m.txsRouted.WithLabelValues("fluff"),
	))
	require.EqualValues(t, 1, testutil.ToFloat64(
		m.epochs.WithLabelValues("fluff"),
	))
	require.EqualValues(t, 1, testutil.ToFloat64(m.stemFailures))
	require.EqualValues(t, 1, testutil.ToFloat64(m.embargoesExpired))
	require.EqualValues(t, 1, testutil.ToFloat64(m.broadcastFailures))
	require.EqualValues(t, 1, testutil.ToFloat64(
		m.rejections.WithLabelValues("fee_too_low"),
	))
	require.EqualValues(t, 2, testutil.ToFloat64(
		m.rejections.WithLabelValues("too_big"),
	))
}

// TestExporter asserts that the exporter serves the registry, including the
// pool gauges sampled at scrape time.
func TestExporter(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	require.NoError(t, m.RegisterPoolGauges(
		func() int { return 7 }, func() int { return 3 },
	))
	m.TxRouted(dandelion.Fluff)

	exporter := NewExporter(ExporterConfig{
		Listen:   "127.0.0.1:0",
		Registry: m.Registry(),
	})
	require.NoError(t, exporter.Start())
	defer func() {
		require.NoError(t, exporter.Stop())
	}()

	resp, err := http.Get(fmt.Sprintf("http://%v/metrics", exporter.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), "stemd_pool_peers 7")
	require.Contains(t, string(body), "stemd_pool_stem_peers 3")
	require.Contains(
		t, string(body), `stemd_dandelion_txs_routed_total{state="fluff"} 1`,
	)
}
