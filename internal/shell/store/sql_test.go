package store

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/multiplan/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestJob(t *testing.T, store Store) *domain.Job {
	t.Helper()
	job, err := domain.NewJob([]byte(`{"nodes":[{"id":"h","host_id":"h","instances":{"deploy":2}}]}`), "json")
	require.NoError(t, err)

	err = store.CreateJob(context.Background(), job)
	require.NoError(t, err)
	return job
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewSQLStore_UnsupportedDriver(t *testing.T) {
	_, err := NewSQLStore("mysql", "dsn")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestNewSQLiteStore_Ping(t *testing.T) {
	store := setupTestStore(t)

	assert.Equal(t, DriverSQLite, store.Driver())
	assert.NoError(t, store.Ping(context.Background()))
}

// =============================================================================
// Job CRUD Tests
// =============================================================================

func TestCreateJob_Success(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := createTestJob(t, store)

	retrieved, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, retrieved.ID)
	assert.Equal(t, domain.JobStatusPending, retrieved.Status)
	assert.Equal(t, "json", retrieved.Format)
	assert.Equal(t, job.Payload, retrieved.Payload)
	assert.Nil(t, retrieved.Result)
	assert.Nil(t, retrieved.StartedAt)
	assert.WithinDuration(t, job.CreatedAt, retrieved.CreatedAt, time.Microsecond)
}

func TestCreateJob_DuplicateID(t *testing.T) {
	store := setupTestStore(t)

	job := createTestJob(t, store)
	duplicate := *job

	err := store.CreateJob(context.Background(), &duplicate)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetJob_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetJob(context.Background(), "job_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJob_Success(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := createTestJob(t, store)
	require.NoError(t, job.Transition(domain.JobStatusRunning))
	require.NoError(t, job.Succeed([]byte(`{"nodes":[]}`), 1, 2))

	require.NoError(t, store.UpdateJob(ctx, job))

	retrieved, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, retrieved.Status)
	assert.Equal(t, []byte(`{"nodes":[]}`), retrieved.Result)
	assert.Equal(t, 1, retrieved.NodeCount)
	assert.Equal(t, 2, retrieved.InstanceCount)
	assert.Equal(t, 1, retrieved.Attempts)
	require.NotNil(t, retrieved.StartedAt)
	require.NotNil(t, retrieved.CompletedAt)
}

func TestUpdateJob_NotFound(t *testing.T) {
	store := setupTestStore(t)

	job, err := domain.NewJob([]byte("{}"), "json")
	require.NoError(t, err)

	err = store.UpdateJob(context.Background(), job)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := createTestJob(t, store)

	require.NoError(t, store.DeleteJob(ctx, job.ID))
	_, err := store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DeleteJob(ctx, job.ID), ErrNotFound)
}

// =============================================================================
// Listing Tests
// =============================================================================

func TestListJobs_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := createTestJob(t, store)
	second := createTestJob(t, store)

	jobs, err := store.ListJobs(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestListJobs_Pagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		createTestJob(t, store)
	}

	jobs, err := store.ListJobs(ctx, ListOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCountJobs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createTestJob(t, store)
	}
	_, err := store.ClaimPendingJobs(ctx, 1)
	require.NoError(t, err)

	total, err := store.CountJobs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	pending, err := store.CountJobs(ctx, domain.JobStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	succeeded, err := store.CountJobs(ctx, domain.JobStatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)
}

func TestListJobsByStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestJob(t, store)
	failed := createTestJob(t, store)
	require.NoError(t, failed.Transition(domain.JobStatusRunning))
	require.NoError(t, failed.Fail("boom"))
	require.NoError(t, store.UpdateJob(ctx, failed))

	jobs, err := store.ListJobsByStatus(ctx, domain.JobStatusFailed, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, failed.ID, jobs[0].ID)
	assert.Equal(t, "boom", jobs[0].ErrorMessage)
}

// =============================================================================
// Claim Tests
// =============================================================================

func TestClaimPendingJobs_OldestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := createTestJob(t, store)
	second := createTestJob(t, store)
	createTestJob(t, store)

	claimed, err := store.ClaimPendingJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)
	assert.Equal(t, domain.JobStatusRunning, claimed[0].Status)

	stored, err := store.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	pending, err := store.ListJobsByStatus(ctx, domain.JobStatusPending, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestClaimPendingJobs_NothingPending(t *testing.T) {
	store := setupTestStore(t)

	claimed, err := store.ClaimPendingJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimPendingJobs_NotClaimedTwice(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestJob(t, store)

	claimed, err := store.ClaimPendingJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed, err = store.ClaimPendingJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

// =============================================================================
// Release Tests
// =============================================================================

func TestReleaseJob_BackToPending(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestJob(t, store)
	claimed, err := store.ClaimPendingJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	job := &claimed[0]
	require.NoError(t, job.Release())
	require.NoError(t, store.ReleaseJob(ctx, job))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, stored.Status)
	assert.Nil(t, stored.StartedAt)

	reclaimed, err := store.ClaimPendingJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, job.ID, reclaimed[0].ID)
	assert.Equal(t, 2, reclaimed[0].Attempts)
}

func TestReleaseJob_NotRunning(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := createTestJob(t, store)

	err := store.ReleaseJob(ctx, job)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRequeueStaleJobs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	stale := createTestJob(t, store)
	fresh := createTestJob(t, store)
	createTestJob(t, store)

	claimed, err := store.ClaimPendingJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// backdate the first claim
	old := time.Now().Add(-time.Hour)
	staleJob := claimed[0]
	staleJob.StartedAt = &old
	require.NoError(t, store.UpdateJob(ctx, &staleJob))

	n, err := store.RequeueStaleJobs(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)

	got, err = store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, got.Status)

	n, err = store.RequeueStaleJobs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job, err := domain.NewJob([]byte("{}"), "json")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_Commit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job, err := domain.NewJob([]byte("{}"), "json")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Store) error {
		return tx.CreateJob(ctx, job)
	})
	require.NoError(t, err)

	_, err = store.GetJob(ctx, job.ID)
	assert.NoError(t, err)
}

// =============================================================================
// ListOptions Tests
// =============================================================================

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 100}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 1000}, ListOptions{Limit: 5000, Offset: -3}.Normalize())
}
