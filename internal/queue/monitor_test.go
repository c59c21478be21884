package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"notifyhub/internal/metrics"
	"notifyhub/internal/models"
	"notifyhub/internal/queue"
	"notifyhub/internal/queue/queuetest"
)

type flakySource struct {
	calls atomic.Int32
	fail  int32
	stats map[string]models.QueueStat
}

func (s *flakySource) QueueStats(context.Context) (map[string]models.QueueStat, error) {
	if s.calls.Add(1) <= s.fail {
		return nil, errors.New("channel closed")
	}
	return s.stats, nil
}

func TestMonitor_SampleRetries(t *testing.T) {
	src := &flakySource{
		fail:  1,
		stats: map[string]models.QueueStat{"monitor.test": {MessageCount: 7, ConsumerCount: 2}},
	}
	m := queue.NewMonitor(src, time.Hour, retry.Strategy{Attempts: 3, Delay: time.Millisecond, Backoff: 1})

	m.Sample(context.Background())

	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.QueueMessages.WithLabelValues("monitor.test")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueueConsumers.WithLabelValues("monitor.test")))
}

func TestMonitor_KeepsLastValueOnError(t *testing.T) {
	metrics.QueueMessages.WithLabelValues("monitor.keep").Set(3)
	src := &flakySource{fail: 100}
	m := queue.NewMonitor(src, time.Hour, retry.Strategy{Attempts: 2, Delay: time.Millisecond, Backoff: 1})

	m.Sample(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.QueueMessages.WithLabelValues("monitor.keep")))
}

func TestMonitor_StartStop(t *testing.T) {
	b := queuetest.NewBroker()
	mgr := newManager(t, b)
	require.NoError(t, mgr.Connect(context.Background()))
	_, err := mgr.Publish(context.Background(), models.TypeEmail, emailMessage("m-1", models.PriorityLow))
	require.NoError(t, err)

	m := queue.NewMonitor(mgr, 10*time.Millisecond, retry.Strategy{Attempts: 1})
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.QueueMessages.WithLabelValues(queue.EmailQueue)) == 1
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	m := queue.NewMonitor(&flakySource{}, time.Hour, retry.Strategy{Attempts: 1})

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a monitor that never started")
	}
}
