package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/models"
)

func baseProfile(category string) models.TaskerProfile {
	return models.TaskerProfile{
		TaskerID:        uuid.New(),
		Categories:      []string{category},
		Status:          models.TaskerActive,
		Lat:             52.52,
		Lng:             13.41,
		ServiceRadiusKm: 25,
		Rating:          4.0,
		AcceptanceRate:  0.8,
		CompletionRate:  0.9,
		LastActiveAt:    time.Now(),
		CreatedAt:       time.Now().Add(-30 * 24 * time.Hour),
	}
}

func TestRankFiltersHardConstraints(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)

	inactive := baseProfile("cleaning")
	inactive.Status = models.TaskerSuspended
	wrongCategory := baseProfile("plumbing")
	outOfRadius := baseProfile("cleaning")
	outOfRadius.Lat, outOfRadius.Lng = 48.85, 2.35 // Paris, Berlin task
	eligible := baseProfile("cleaning")

	dir := NewInMemoryDirectory(inactive, wrongCategory, outOfRadius, eligible)
	m := NewMatcher(dir, h.cfg, testLogger{})

	candidates, err := m.Rank(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, eligible.TaskerID, candidates[0].TaskerID)
	assert.NotEmpty(t, candidates[0].Explanation)
}

func TestRankOrderingIsDeterministic(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)

	strong := baseProfile("cleaning")
	strong.Rating = 5.0
	weak := baseProfile("cleaning")
	weak.Rating = 2.0

	// Identical scores, tie broken by completion rate.
	tieHigh := baseProfile("cleaning")
	tieHigh.CompletionRate = 0.99
	tieLow := baseProfile("cleaning")
	tieLow.CompletionRate = 0.9

	dir := NewInMemoryDirectory(weak, strong)
	m := NewMatcher(dir, h.cfg, testLogger{})

	first, err := m.Rank(context.Background(), task)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, strong.TaskerID, first[0].TaskerID)
	assert.Greater(t, first[0].Score, first[len(first)-1].Score)

	// Same snapshot twice gives the same order.
	second, err := m.Rank(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].TaskerID, second[i].TaskerID)
	}

	tieDir := NewInMemoryDirectory(tieLow, tieHigh)
	tied, err := NewMatcher(tieDir, h.cfg, testLogger{}).Rank(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, tied, 2)
	assert.Equal(t, tieHigh.TaskerID, tied[0].TaskerID)
}

func TestScoreCandidate(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()

	perfect := models.TaskerProfile{
		Rating:          5,
		AcceptanceRate:  1,
		CompletionRate:  1,
		ServiceRadiusKm: 10,
		LastActiveAt:    now,
	}
	assert.InDelta(t, 1.0, ScoreCandidate(w, perfect, 0, now), 1e-9)

	// At the edge of the radius the proximity component drops out.
	atEdge := ScoreCandidate(w, perfect, 10, now)
	assert.InDelta(t, 1.0-w.Proximity, atEdge, 1e-9)

	// Stale activity zeroes the recency component, never goes negative.
	stale := perfect
	stale.LastActiveAt = now.Add(-365 * 24 * time.Hour)
	assert.InDelta(t, 1.0-w.Recency, ScoreCandidate(w, stale, 0, now), 1e-9)

	var zero models.TaskerProfile
	zero.LastActiveAt = now.Add(-365 * 24 * time.Hour)
	assert.Equal(t, 0.0, ScoreCandidate(w, zero, 0, now))
}

// timeoutDirectory simulates a directory that never answers in time.
type timeoutDirectory struct{}

func (timeoutDirectory) ListByCategory(ctx context.Context, category string) ([]models.TaskerProfile, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (timeoutDirectory) GetProfile(ctx context.Context, taskerID uuid.UUID) (models.TaskerProfile, error) {
	<-ctx.Done()
	return models.TaskerProfile{}, ctx.Err()
}

func TestRankTimeoutMeansNoCandidates(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)

	cfg := h.cfg
	cfg.MatchTimeout = 10 * time.Millisecond
	m := NewMatcher(timeoutDirectory{}, cfg, testLogger{})

	candidates, err := m.Rank(context.Background(), task)
	assert.NoError(t, err)
	assert.Nil(t, candidates)
}

// failingDirectory simulates a directory outage.
type failingDirectory struct{ err error }

func (d failingDirectory) ListByCategory(ctx context.Context, category string) ([]models.TaskerProfile, error) {
	return nil, d.err
}

func (d failingDirectory) GetProfile(ctx context.Context, taskerID uuid.UUID) (models.TaskerProfile, error) {
	return models.TaskerProfile{}, d.err
}

func TestRankDirectoryOutageIsExternalFailure(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)

	m := NewMatcher(failingDirectory{err: assert.AnError}, h.cfg, testLogger{})
	_, err := m.Rank(context.Background(), task)
	assert.True(t, IsExternalFailure(err))
}

func TestEligible(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t)
	m := NewMatcher(h.directory, h.cfg, testLogger{})

	t.Run("EligibleReturnsDistance", func(t *testing.T) {
		distance, err := m.Eligible(context.Background(), task, h.tasker.ID)
		require.NoError(t, err)
		assert.Less(t, distance, 25.0)
	})

	t.Run("UnknownTasker", func(t *testing.T) {
		_, err := m.Eligible(context.Background(), task, uuid.New())
		assert.True(t, IsExternalFailure(err))
	})

	t.Run("OutOfRadius", func(t *testing.T) {
		far := baseProfile("cleaning")
		far.Lat, far.Lng = 48.85, 2.35
		h.directory.Put(far)
		_, err := m.Eligible(context.Background(), task, far.TaskerID)
		assert.True(t, IsValidation(err))
	})
}
