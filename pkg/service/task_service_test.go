package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/pkg/models"
)

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t)

	base := CreateTaskInput{
		Category:    "cleaning",
		Description: "clean windows",
		Location:    models.Location{Lat: 52.5, Lng: 13.4},
		Schedule:    models.Schedule{StartsAt: time.Now().Add(time.Hour)},
		PriceMax:    decimal.RequireFromString("50"),
		Currency:    "EUR",
	}

	t.Run("TaskerMayNotCreate", func(t *testing.T) {
		_, err := h.tasks.Create(h.tasker, base)
		assert.True(t, IsValidation(err))
	})

	t.Run("MissingCategory", func(t *testing.T) {
		in := base
		in.Category = ""
		_, err := h.tasks.Create(h.client, in)
		assert.True(t, IsValidation(err))
	})

	t.Run("MissingCoordinates", func(t *testing.T) {
		in := base
		in.Location = models.Location{Address: "somewhere"}
		_, err := h.tasks.Create(h.client, in)
		assert.True(t, IsValidation(err))
	})

	t.Run("PastStart", func(t *testing.T) {
		in := base
		in.Schedule.StartsAt = time.Now().Add(-time.Hour)
		_, err := h.tasks.Create(h.client, in)
		assert.True(t, IsValidation(err))
	})

	t.Run("InvertedPriceRange", func(t *testing.T) {
		in := base
		in.PriceMin = decimal.RequireFromString("60")
		in.PriceMax = decimal.RequireFromString("50")
		_, err := h.tasks.Create(h.client, in)
		assert.True(t, IsValidation(err))
	})

	t.Run("ValidInputStartsInDraft", func(t *testing.T) {
		task, err := h.tasks.Create(h.client, base)
		require.NoError(t, err)
		assert.Equal(t, models.TaskDraft, task.State)
		events := h.emitter.ForEntity(task.ID)
		require.NotEmpty(t, events)
		assert.Equal(t, EventTaskCreated, events[0].Type)
	})
}

func TestPostTask(t *testing.T) {
	t.Run("RequiresOwnership", func(t *testing.T) {
		h := newHarness(t)
		task := h.createTask(t)
		stranger := models.Actor{ID: uuid.New(), Role: models.RoleClient}
		_, err := h.tasks.Post(context.Background(), stranger, task.ID, models.BidModeOpen)
		assert.True(t, IsValidation(err))
	})

	t.Run("RequiresPricing", func(t *testing.T) {
		h := newHarness(t)
		task, err := h.tasks.Create(h.client, CreateTaskInput{
			Category:    "cleaning",
			Description: "no price yet",
			Location:    models.Location{Lat: 52.5, Lng: 13.4},
			Schedule:    models.Schedule{StartsAt: time.Now().Add(time.Hour)},
		})
		require.NoError(t, err)
		_, err = h.tasks.Post(context.Background(), h.client, task.ID, models.BidModeOpen)
		assert.True(t, IsValidation(err))
	})

	t.Run("OnlyFromDraft", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t, models.BidModeOpen)
		_, err := h.tasks.Post(context.Background(), h.client, task.ID, models.BidModeOpen)
		assert.True(t, IsInvalidState(err))
	})

	t.Run("SetsModeAndDeadline", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t, models.BidModeInviteOnly)
		assert.Equal(t, models.TaskMatching, task.State)
		assert.Equal(t, models.BidModeInviteOnly, task.BidMode)
		require.NotNil(t, task.ExpiresAt)
		assert.WithinDuration(t, time.Now().Add(h.cfg.PostingTTL), *task.ExpiresAt, time.Minute)
	})
}

func TestTransitionAuthorization(t *testing.T) {
	t.Run("AdminRequiresReason", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t, models.BidModeOpen)
		_, err := h.tasks.TransitionTo(h.admin, task.ID, models.TaskExpired, "")
		assert.True(t, IsValidation(err))

		got, err := h.tasks.TransitionTo(h.admin, task.ID, models.TaskExpired, "stale posting")
		require.NoError(t, err)
		assert.Equal(t, models.TaskExpired, got.State)
	})

	t.Run("ClientMayOnlyCancelOwnTask", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t, models.BidModeOpen)

		stranger := models.Actor{ID: uuid.New(), Role: models.RoleClient}
		_, err := h.tasks.TransitionTo(stranger, task.ID, models.TaskCanceledByClient, "")
		assert.True(t, IsValidation(err))

		_, err = h.tasks.TransitionTo(h.client, task.ID, models.TaskExpired, "")
		assert.True(t, IsValidation(err))

		got, err := h.tasks.TransitionTo(h.client, task.ID, models.TaskCanceledByClient, "changed plans")
		require.NoError(t, err)
		assert.Equal(t, models.TaskCanceledByClient, got.State)
	})

	t.Run("TaskerNeedsActiveBooking", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t, models.BidModeOpen)
		_, err := h.tasks.TransitionTo(h.tasker, task.ID, models.TaskCanceledByTasker, "")
		assert.True(t, IsValidation(err))

		_, booking := h.acceptedBooking(t)
		got, err := h.tasks.TransitionTo(h.tasker, booking.TaskID, models.TaskCanceledByTasker, "")
		require.NoError(t, err)
		assert.Equal(t, models.TaskCanceledByTasker, got.State)
	})

	t.Run("IllegalTransitionRejected", func(t *testing.T) {
		h := newHarness(t)
		task := h.createTask(t)
		_, err := h.tasks.TransitionTo(h.admin, task.ID, models.TaskCompleted, "ops")
		assert.True(t, IsInvalidState(err))
	})

	t.Run("TerminalStatesFrozen", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t, models.BidModeOpen)
		_, err := h.tasks.TransitionTo(h.client, task.ID, models.TaskCanceledByClient, "")
		require.NoError(t, err)
		_, err = h.tasks.TransitionTo(h.admin, task.ID, models.TaskPosted, "undo")
		assert.True(t, IsInvalidState(err))
	})
}

func TestTransitionTable(t *testing.T) {
	// The happy path in order, each step legal, each skip illegal.
	chain := []models.TaskState{
		models.TaskDraft, models.TaskPosted, models.TaskMatching, models.TaskAccepted,
		models.TaskConfirmed, models.TaskInProgress, models.TaskCompleted,
		models.TaskSettled, models.TaskReviewed,
	}
	for i := 0; i < len(chain)-1; i++ {
		assert.True(t, legalTaskTransition(chain[i], chain[i+1]),
			"%s -> %s should be legal", chain[i], chain[i+1])
	}
	for i := 0; i < len(chain)-2; i++ {
		for j := i + 2; j < len(chain); j++ {
			if chain[i] == models.TaskPosted && chain[j] == models.TaskAccepted {
				continue // direct accept skips matching
			}
			assert.False(t, legalTaskTransition(chain[i], chain[j]),
				"%s -> %s should be illegal", chain[i], chain[j])
		}
	}
	// Dispute interrupts any non-terminal state and restores it afterwards.
	assert.True(t, legalTaskTransition(models.TaskInProgress, models.TaskDisputed))
	assert.True(t, legalTaskTransition(models.TaskDisputed, models.TaskInProgress))
	assert.False(t, legalTaskTransition(models.TaskReviewed, models.TaskDisputed))
	assert.False(t, legalTaskTransition(models.TaskDisputed, models.TaskDraft))
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t)
	task := h.postTask(t, models.BidModeOpen)
	fresh := h.postTask(t, models.BidModeOpen)

	// Move the clock past the posting deadline for the first task only.
	h.tasks.now = func() time.Time { return time.Now().Add(h.cfg.PostingTTL + time.Hour) }
	past := time.Now().Add(-time.Minute)
	require.NoError(t, h.store.SetTaskPosting(fresh.ID, models.BidModeOpen, time.Now().Add(h.cfg.PostingTTL*2)))
	require.NoError(t, h.store.SetTaskPosting(task.ID, models.BidModeOpen, past))

	n, err := h.tasks.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskExpired, got.State)

	got, err = h.tasks.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskMatching, got.State)
}

func TestSubmitReview(t *testing.T) {
	t.Run("OnlyOnSettledTasks", func(t *testing.T) {
		h := newHarness(t)
		task, _ := h.confirmedBooking(t)
		_, err := h.tasks.SubmitReview(h.client, task.ID, 5, "great")
		assert.True(t, IsInvalidState(err))
	})

	t.Run("OnlyParties", func(t *testing.T) {
		h := newHarness(t)
		task, _, _ := h.completedBooking(t)
		stranger := models.Actor{ID: uuid.New(), Role: models.RoleClient}
		_, err := h.tasks.SubmitReview(stranger, task.ID, 4, "")
		assert.True(t, IsValidation(err))
	})

	t.Run("BothReviewsCloseTheTask", func(t *testing.T) {
		h := newHarness(t)
		task, _, _ := h.completedBooking(t)

		_, err := h.tasks.SubmitReview(h.client, task.ID, 5, "spotless")
		require.NoError(t, err)
		got, err := h.tasks.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskSettled, got.State)

		_, err = h.tasks.SubmitReview(h.tasker, task.ID, 5, "kind client")
		require.NoError(t, err)
		got, err = h.tasks.Get(task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskReviewed, got.State)
	})

	t.Run("RatingBounds", func(t *testing.T) {
		h := newHarness(t)
		task, _, _ := h.completedBooking(t)
		_, err := h.tasks.SubmitReview(h.client, task.ID, 0, "")
		assert.True(t, IsValidation(err))
		_, err = h.tasks.SubmitReview(h.client, task.ID, 6, "")
		assert.True(t, IsValidation(err))
	})
}

func TestCloseReviewWindows(t *testing.T) {
	h := newHarness(t)
	task, _, _ := h.completedBooking(t)

	n, err := h.tasks.CloseReviewWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.tasks.now = func() time.Time { return time.Now().Add(h.cfg.ReviewWindow + time.Hour) }
	n, err = h.tasks.CloseReviewWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskReviewed, got.State)
}
