package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaproj/asa/internal/config"
	"github.com/asaproj/asa/internal/faults"
)

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxQueueSize:         3,
		MaxConcurrentJobs:    2,
		MaxPerUserConcurrent: 2,
		ResultTTL:            time.Hour,
		FailureTTL:           time.Hour,
	}
}

func rejectionReason(t *testing.T, err error) string {
	t.Helper()
	var fe *faults.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, faults.KindQueueFull, fe.Kind)
	reason, _ := fe.Details["reason"].(string)
	return reason
}

func TestSubmit_AssignsUniqueSortableIDs(t *testing.T) {
	q := New(testConfig())

	a, err := q.Submit("alice", PriorityNormal)
	require.NoError(t, err)
	b, err := q.Submit("bob", PriorityNormal)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 26)
	// ULIDs from the same entropy source sort by creation order
	assert.Less(t, a.ID, b.ID)
	assert.Equal(t, JobQueued, a.Status())
}

func TestSubmit_Gates(t *testing.T) {
	t.Run("queue full", func(t *testing.T) {
		q := New(config.QueueConfig{MaxQueueSize: 2, MaxConcurrentJobs: 10, MaxPerUserConcurrent: 10, ResultTTL: time.Hour, FailureTTL: time.Hour})
		_, err := q.Submit("u1", PriorityNormal)
		require.NoError(t, err)
		_, err = q.Submit("u2", PriorityNormal)
		require.NoError(t, err)

		_, err = q.Submit("u3", PriorityNormal)
		require.Error(t, err)
		assert.Equal(t, "queue_full", rejectionReason(t, err))
	})

	t.Run("all slots busy", func(t *testing.T) {
		q := New(config.QueueConfig{MaxQueueSize: 10, MaxConcurrentJobs: 1, MaxPerUserConcurrent: 10, ResultTTL: time.Hour, FailureTTL: time.Hour})
		_, err := q.Submit("u1", PriorityNormal)
		require.NoError(t, err)
		require.NotNil(t, q.Dequeue())

		_, err = q.Submit("u2", PriorityNormal)
		require.Error(t, err)
		assert.Equal(t, "busy", rejectionReason(t, err))
	})

	t.Run("per-user limit counts queued and running", func(t *testing.T) {
		q := New(testConfig())
		_, err := q.Submit("alice", PriorityNormal)
		require.NoError(t, err)
		require.NotNil(t, q.Dequeue()) // one running
		_, err = q.Submit("alice", PriorityNormal)
		require.NoError(t, err) // one queued

		_, err = q.Submit("alice", PriorityNormal)
		require.Error(t, err)
		assert.Equal(t, "per_user_limit", rejectionReason(t, err))

		// other users are unaffected
		_, err = q.Submit("bob", PriorityNormal)
		require.NoError(t, err)
	})
}

func TestDequeue_HighPriorityFirstThenFIFO(t *testing.T) {
	q := New(config.QueueConfig{MaxQueueSize: 10, MaxConcurrentJobs: 10, MaxPerUserConcurrent: 10, ResultTTL: time.Hour, FailureTTL: time.Hour})

	n1, _ := q.Submit("u1", PriorityNormal)
	n2, _ := q.Submit("u2", PriorityNormal)
	h1, _ := q.Submit("u3", PriorityHigh)

	assert.Equal(t, h1.ID, q.Dequeue().ID)
	assert.Equal(t, n1.ID, q.Dequeue().ID)
	assert.Equal(t, n2.ID, q.Dequeue().ID)
	assert.Nil(t, q.Dequeue())
}

func TestDequeue_RespectsConcurrencyLimit(t *testing.T) {
	q := New(testConfig())
	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := q.Submit(u, PriorityNormal)
		require.NoError(t, err)
	}

	a := q.Dequeue()
	b := q.Dequeue()
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Nil(t, q.Dequeue()) // MaxConcurrentJobs = 2

	q.Release(a, JobFinished)
	assert.NotNil(t, q.Dequeue())
}

func TestRelease_RetainsTerminalHandle(t *testing.T) {
	q := New(testConfig())
	job, _ := q.Submit("alice", PriorityNormal)
	require.NotNil(t, q.Dequeue())

	q.Release(job, JobFinished)

	got := q.Get(job.ID)
	require.NotNil(t, got)
	assert.Equal(t, JobFinished, got.Status())
	assert.False(t, got.FinishedAt().IsZero())

	// the slot and the per-user count are freed
	stats := q.Stats()
	assert.Zero(t, stats.Running)
	assert.Empty(t, stats.PerUser)
}

func TestCanAdmit(t *testing.T) {
	q := New(config.QueueConfig{MaxQueueSize: 1, MaxConcurrentJobs: 10, MaxPerUserConcurrent: 10, ResultTTL: time.Hour, FailureTTL: time.Hour})

	ok, reason := q.CanAdmit("alice")
	assert.True(t, ok)
	assert.Empty(t, reason)

	_, err := q.Submit("alice", PriorityNormal)
	require.NoError(t, err)

	ok, reason = q.CanAdmit("bob")
	assert.False(t, ok)
	assert.Equal(t, "queue_full", reason)
}

func TestCancel_QueuedJobRemovedImmediately(t *testing.T) {
	q := New(testConfig())
	job, _ := q.Submit("alice", PriorityNormal)

	status, err := q.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, status)
	assert.True(t, job.CancelRequested())

	assert.Nil(t, q.Dequeue())
	assert.Empty(t, q.Stats().PerUser)
	// handle remains visible
	require.NotNil(t, q.Get(job.ID))
	assert.True(t, job.Status().Terminal())
	assert.False(t, job.FinishedAt().IsZero())
}

func TestCancel_RunningJobIsFlagged(t *testing.T) {
	q := New(testConfig())
	job, _ := q.Submit("alice", PriorityNormal)
	require.NotNil(t, q.Dequeue())

	status, err := q.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, status)
	assert.True(t, job.CancelRequested())

	select {
	case <-job.CancelChan():
	default:
		t.Fatal("cancel channel not closed")
	}

	// second cancel is a no-op, not a double close panic
	_, err = q.Cancel(job.ID)
	require.NoError(t, err)
}

func TestCancel_UnknownJob(t *testing.T) {
	q := New(testConfig())
	_, err := q.Cancel("nope")
	require.Error(t, err)
	assert.Equal(t, faults.KindInvalidInput, faults.KindOf(err))
}

func TestStats(t *testing.T) {
	q := New(testConfig())
	_, err := q.Submit("alice", PriorityNormal)
	require.NoError(t, err)
	_, err = q.Submit("bob", PriorityHigh)
	require.NoError(t, err)
	require.NotNil(t, q.Dequeue())

	stats := q.Stats()
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.PerUser["alice"])
	assert.Equal(t, 1, stats.PerUser["bob"])
	assert.Equal(t, 3, stats.MaxQueue)
}
