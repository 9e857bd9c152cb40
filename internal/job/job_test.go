package job_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/job"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

func newTestJob(t *testing.T) *job.Job {
	t.Helper()
	path, instr, err := job.Parse("p.c submit")
	require.NoError(t, err)
	return job.New(path, instr, job.DefaultExpiry)
}

func TestJobStartsAtVersionOnePending(t *testing.T) {
	j := newTestJob(t)
	assert.Equal(t, uint64(1), j.Version())
	assert.Equal(t, job.StatePending, j.State())
}

func TestUpdateBumpsVersion(t *testing.T) {
	j := newTestJob(t)
	require.NoError(t, j.Update(job.StateComplete, "account created", ""))
	assert.Equal(t, uint64(2), j.Version())
	assert.Equal(t, job.StateComplete, j.State())

	raw, errMsg, state := j.Result()
	assert.Equal(t, job.StateComplete, state)
	assert.Empty(t, errMsg)
	assert.JSONEq(t, `"account created"`, string(raw))
}

func TestUpdateAfterTerminalFails(t *testing.T) {
	j := newTestJob(t)
	require.NoError(t, j.Update(job.StateComplete, "ok", ""))
	err := j.Update(job.StateError, nil, "too late")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Handler)
}

func TestMergeFromIsVersionMonotonic(t *testing.T) {
	j := newTestJob(t)
	snap := j.View()
	snap.Version = 7
	snap.State = job.StateComplete

	changed := j.MergeFrom(snap)
	assert.True(t, changed)
	assert.Equal(t, uint64(7), j.Version())

	// A stale, lower-version snapshot must never regress the replica.
	stale := snap
	stale.Version = 3
	stale.State = job.StatePending
	changed = j.MergeFrom(stale)
	assert.False(t, changed)
	assert.Equal(t, uint64(7), j.Version())
	assert.Equal(t, job.StateComplete, j.State())
}

func TestWaitResolvesOnUpdate(t *testing.T) {
	j := newTestJob(t)

	done := make(chan job.State, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := j.Wait(ctx)
		if err == nil {
			done <- s
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, j.Update(job.StateComplete, "done", ""))

	select {
	case s := <-done:
		assert.Equal(t, job.StateComplete, s)
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve")
	}
}

func TestWaitTimesOut(t *testing.T) {
	j := newTestJob(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := j.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Timeout)
	// The underlying job must be untouched on timeout.
	assert.Equal(t, job.StatePending, j.State())
}

func TestMarkExpiredWakesWaiters(t *testing.T) {
	j := newTestJob(t)

	done := make(chan job.State, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := j.Wait(ctx)
		if err == nil {
			done <- s
		}
	}()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, j.MarkExpired())

	select {
	case s := <-done:
		assert.Equal(t, job.StateExpired, s)
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve on expiry")
	}

	// A second MarkExpired is a no-op — already terminal.
	assert.False(t, j.MarkExpired())
}

func TestMarkDeletedWakesWaitersAndOutranksOlderVersions(t *testing.T) {
	j := newTestJob(t)

	done := make(chan job.State, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := j.Wait(ctx)
		if err == nil {
			done <- s
		}
	}()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, j.MarkDeleted())

	select {
	case s := <-done:
		assert.Equal(t, job.StateDeleted, s)
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve on delete")
	}

	// A second MarkDeleted is a no-op — already terminal.
	assert.False(t, j.MarkDeleted())

	// The version bump means a peer's stale, pre-delete snapshot can never
	// resurrect the Job via MergeFrom.
	stale := j.View()
	stale.Version = 1
	stale.State = job.StatePending
	changed := j.MergeFrom(stale)
	assert.False(t, changed)
	assert.Equal(t, job.StateDeleted, j.State())
}

func TestIsExpired(t *testing.T) {
	path, instr, err := job.Parse("p.c submit")
	require.NoError(t, err)
	j := job.New(path, instr, -time.Second)
	assert.True(t, j.IsExpired(time.Now()))
}
