package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botwatch/internal/eventbus"
	logx "botwatch/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	for _, tc := range []struct {
		raw   string
		kind  SpecKind
		every time.Duration
	}{
		{raw: "0 4 * * *", kind: SpecCron},
		{raw: "@daily", kind: SpecCron},
		{raw: "cron:*/5 * * * *", kind: SpecCron},
		{raw: "12s", kind: SpecInterval, every: 12 * time.Second},
		{raw: "every:1m", kind: SpecInterval, every: time.Minute},
		{raw: "interval:01:30", kind: SpecInterval, every: 90 * time.Minute},
		{raw: "24:00", kind: SpecInterval, every: 24 * time.Hour},
	} {
		got, err := ParseSchedule(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.kind, got.Kind, tc.raw)
		if tc.kind == SpecInterval {
			assert.Equal(t, tc.every, got.Every, tc.raw)
		}
	}

	for _, bad := range []string{"", "soon", "-5s", "00:00", "every:", "cron:"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	require.Error(t, s.Add("x", "61 * * * *", 0, func(context.Context) error { return nil }))
	require.Error(t, s.Add("", "1s", 0, func(context.Context) error { return nil }))
}

func TestIntervalJobRunsAndReportsFailures(t *testing.T) {
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, EventJobFailed)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "1s", time.Second, func(context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("first run fails")
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())
	assert.False(t, s.Next("tick").IsZero())

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	select {
	case e := <-failed:
		assert.Equal(t, "tick", e.Data.(JobResult).Name)
	case <-time.After(time.Second):
		t.Fatal("expected failure event")
	}
}

func TestAfterRunsOnceAndRemoveCancels(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	done := make(chan struct{})
	s.After("once", 10*time.Millisecond, time.Second, func(context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot job did not run")
	}

	var ran atomic.Bool
	s.After("cancelled", 50*time.Millisecond, 0, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.True(t, s.Remove("cancelled"))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestSpreadDelaysOnlyFirstRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := intervalSchedule(10*time.Second, now, "job", true)

	first := sched.Next(now)
	assert.False(t, first.Before(now.Add(10*time.Second)))
	assert.True(t, first.Before(now.Add(20*time.Second)))
	assert.WithinDuration(t, first.Add(10*time.Second), sched.Next(first), time.Second)
}
