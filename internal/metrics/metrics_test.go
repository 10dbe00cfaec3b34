package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCopy(t *testing.T) {
	RecordCopy("metrics-job", 10)
	RecordCopy("metrics-job", 32)

	assert.Equal(t, 2.0, testutil.ToFloat64(FilesCopied.WithLabelValues("metrics-job")))
	assert.Equal(t, 42.0, testutil.ToFloat64(BytesCopied.WithLabelValues("metrics-job")))

	ForgetJob("metrics-job")
	assert.Equal(t, 0.0, testutil.ToFloat64(FilesCopied.WithLabelValues("metrics-job")))
}

func TestRecordRunFinished(t *testing.T) {
	RecordRunFinished("runs-job", "Completed", 1.5)
	RecordRunFinished("runs-job", "Failed", 0.2)

	assert.Equal(t, 1.0, testutil.ToFloat64(RunsFinished.WithLabelValues("runs-job", "Completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RunsFinished.WithLabelValues("runs-job", "Failed")))
}

func TestTrackActiveRun(t *testing.T) {
	before := testutil.ToFloat64(ActiveRuns)
	TrackActiveRun(true)
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveRuns))
	TrackActiveRun(false)
	assert.Equal(t, before, testutil.ToFloat64(ActiveRuns))
}

func TestHandlerServesMetrics(t *testing.T) {
	RecordCommand("GET_JOBS", "OK")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "easysave_control_commands_total"))
}
