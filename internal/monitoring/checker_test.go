package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/config"
	"github.com/sells-group/leadsync/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(&mockSource{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockSource{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckOnceSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 24, FailureRateThreshold: 0.25}
	src := &mockSource{conns: []model.Connection{{ID: "c1", Status: model.ConnectionError}}}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)

	alerts, err := checker.CheckOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertConnectionError, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckOnceCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(&mockSource{connErr: errors.New("down")}), NewAlerter(cfg), cfg)

	alerts, err := checker.CheckOnce(context.Background())
	require.Error(t, err)
	assert.Nil(t, alerts)
}
