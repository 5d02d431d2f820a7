package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := New()

	c.IncTransfer("upload", "completed")
	c.IncTransfer("upload", "completed")
	c.IncTransfer("download", "failed")
	c.AddBytes("upload", 1024)
	c.IncInflight()
	c.IncInflight()
	c.DecInflight()
	c.IncRetry("upload")
	c.IncReconcileAction("upload")
	c.ObservePart("upload", 250*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transfersTotal.WithLabelValues("upload", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transfersTotal.WithLabelValues("download", "failed")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.bytesTotal.WithLabelValues("upload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inflightParts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.partRetries.WithLabelValues("upload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconcileActions.WithLabelValues("upload")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.partDuration))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.AddBytes("upload", 10)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.bytesTotal.WithLabelValues("upload")))
}

func TestHandler(t *testing.T) {
	c := New()
	c.IncTransfer("upload", "completed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `s3drive_transfers_total{direction="upload",state="completed"} 1`)
}
