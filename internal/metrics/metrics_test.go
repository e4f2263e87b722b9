package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/frontline/internal/pacer"
	"github.com/andresmejia3/frontline/internal/sampler"
	"github.com/andresmejia3/frontline/internal/tuning"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSample(t *testing.T) {
	m := New()
	m.ObserveSample(pacer.Sample{Keypoints: 10, Throughput: 9.5, DequeueLatency: time.Millisecond})
	m.ObserveSample(pacer.Sample{Keypoints: 4, Violation: errors.New("misaligned"), TrackErr: errors.New("lost")})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Tracked))
	assert.Equal(t, 14.0, testutil.ToFloat64(m.Keypoints))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Violations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrackErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Throughput), "gauge follows the latest sample")
}

func TestWatchedCollectorsReadLive(t *testing.T) {
	m := New()
	stats := sampler.Stats{Seen: 30, Flushed: 20, Delivered: 9, Dropped: 1}
	m.WatchProducer(func() sampler.Stats { return stats })
	depth := 0
	m.WatchQueue("frames", func() int { return depth }, 8)
	m.WatchSoftFailures("extract", func() uint64 { return 3 })
	m.WatchTuning(tuning.DefaultParams())

	depth = 5
	stats.Delivered = 10
	expected := `
# HELP frontline_queue_depth Items waiting in a pipeline queue.
# TYPE frontline_queue_depth gauge
frontline_queue_depth{queue="frames"} 5
# HELP frontline_sampler_frames_delivered_total Frames admitted to the pipeline.
# TYPE frontline_sampler_frames_delivered_total counter
frontline_sampler_frames_delivered_total 10
# HELP frontline_soft_failures_total Frames that produced an empty result after an extraction failure.
# TYPE frontline_soft_failures_total counter
frontline_soft_failures_total{stage="extract"} 3
# HELP frontline_tuning_target_rate_fps Target delivery rate.
# TYPE frontline_tuning_target_rate_fps gauge
frontline_tuning_target_rate_fps 10
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"frontline_queue_depth", "frontline_sampler_frames_delivered_total",
		"frontline_soft_failures_total", "frontline_tuning_target_rate_fps"))
}

func TestTuningEndpoint(t *testing.T) {
	params := tuning.DefaultParams()
	srv := httptest.NewServer(New().Handler(params))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tuning")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"target_rate":10`)

	put := func(payload string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/tuning", strings.NewReader(payload))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusOK, put(`{"target_rate": 15, "fast_threshold": 30}`).StatusCode)
	assert.Equal(t, 15.0, params.TargetRate.Load())
	assert.Equal(t, int64(30), params.FASTThreshold.Load())
	assert.Equal(t, int64(tuning.DefaultNMSDistance), params.NMSDistance.Load(), "absent fields untouched")

	assert.Equal(t, http.StatusBadRequest, put(`{"target_rate": 0}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, put(`{"bogus": 1}`).StatusCode)
	assert.Equal(t, 15.0, params.TargetRate.Load())

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tuning", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.Tracked.Add(3)
	srv := httptest.NewServer(m.Handler(tuning.DefaultParams()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "frontline_results_tracked_total 3")
}
