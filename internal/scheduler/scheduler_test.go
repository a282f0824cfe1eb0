package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-dashboard/internal/observ"
)

func TestScheduler_DailySpecsParse(t *testing.T) {
	s := New()
	noop := JobFunc{JobName: "noop", Fn: func() error { return nil }}
	require.NoError(t, s.AddJob(SessionExpirySpec, noop))
	require.NoError(t, s.AddJob(DayResetSpec, noop))

	s.Start()
	defer s.Stop()

	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	next := s.Next()
	require.Len(t, next, 2)
	for _, n := range next {
		local := n.In(ist)
		assert.Contains(t, []int{0, 9}, local.Hour())
		assert.True(t, n.After(time.Now()))
	}
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s := New()
	err := s.AddJob("not a spec", JobFunc{JobName: "bad", Fn: func() error { return nil }})
	assert.Error(t, err)
	assert.Empty(t, s.Next())
}

func TestScheduler_RunNowRecordsOutcome(t *testing.T) {
	observ.Reset()
	s := New()

	require.NoError(t, s.RunNow(JobFunc{JobName: "ok", Fn: func() error { return nil }}))
	boom := errors.New("boom")
	err := s.RunNow(JobFunc{JobName: "broken", Fn: func() error { return boom }})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, int64(1), observ.Counter("scheduler_job_runs_total", map[string]string{"job": "ok"}))
	assert.Equal(t, int64(1), observ.Counter("scheduler_job_failures_total", map[string]string{"job": "broken"}))
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := New()
	var runs int32
	require.NoError(t, s.AddJob("@every 1s", JobFunc{JobName: "tick", Fn: func() error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 3*time.Second, 20*time.Millisecond)
}
