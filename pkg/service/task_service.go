package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/storage"
)

// TaskService owns the task lifecycle. Every transition goes through a
// compare-and-swap on the task's current state so concurrent actors race
// safely: the loser gets a ConflictError and must re-fetch.
type TaskService struct {
	store   storage.Store
	matcher *Matcher
	emitter Emitter
	cfg     Config
	logger  Logger
	now     func() time.Time
}

func NewTaskService(store storage.Store, matcher *Matcher, emitter Emitter, cfg Config, logger Logger) *TaskService {
	return &TaskService{
		store:   store,
		matcher: matcher,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// legalTaskTransition is the single source of truth for the task
// transition table. Actor authority is checked separately.
func legalTaskTransition(from, to models.TaskState) bool {
	switch to {
	case models.TaskCanceledByClient, models.TaskCanceledByTasker, models.TaskDisputed:
		return !from.Terminal() && from != models.TaskDisputed
	case models.TaskExpired:
		return from == models.TaskPosted || from == models.TaskMatching
	}
	if from == models.TaskDisputed {
		// Resolution restores the state the dispute interrupted.
		switch to {
		case models.TaskDraft, models.TaskDisputed:
			return false
		}
		return true
	}
	switch from {
	case models.TaskDraft:
		return to == models.TaskPosted
	case models.TaskPosted:
		return to == models.TaskMatching || to == models.TaskAccepted
	case models.TaskMatching:
		return to == models.TaskAccepted
	case models.TaskAccepted:
		return to == models.TaskConfirmed
	case models.TaskConfirmed:
		return to == models.TaskInProgress
	case models.TaskInProgress:
		return to == models.TaskCompleted
	case models.TaskCompleted:
		return to == models.TaskSettled
	case models.TaskSettled:
		return to == models.TaskReviewed
	}
	return false
}

// CreateTaskInput is the client-supplied description of a new task.
// Pricing may be left empty at creation but must be present to post.
type CreateTaskInput struct {
	Category    string
	Description string
	Location    models.Location
	Schedule    models.Schedule
	PriceMin    decimal.Decimal
	PriceMax    decimal.Decimal
	Currency    string
}

// Create validates the input and persists a task in draft.
func (s *TaskService) Create(actor models.Actor, in CreateTaskInput) (models.Task, error) {
	if actor.Role != models.RoleClient && actor.Role != models.RoleAdmin {
		return models.Task{}, validationf("only clients may create tasks")
	}
	if in.Category == "" {
		return models.Task{}, validationf("category is required")
	}
	if in.Description == "" {
		return models.Task{}, validationf("description is required")
	}
	if in.Location.Lat == 0 && in.Location.Lng == 0 {
		return models.Task{}, validationf("location must carry coordinates")
	}
	if !in.Schedule.StartsAt.After(s.now()) {
		return models.Task{}, validationf("schedule start must be in the future")
	}
	if in.PriceMax.IsPositive() && in.PriceMin.GreaterThan(in.PriceMax) {
		return models.Task{}, validationf("price minimum exceeds maximum")
	}

	now := s.now()
	task := models.Task{
		ID:          uuid.New(),
		ClientID:    actor.ID,
		Category:    in.Category,
		Description: in.Description,
		Location:    in.Location,
		Schedule:    in.Schedule,
		PriceMin:    in.PriceMin,
		PriceMax:    in.PriceMax,
		Currency:    in.Currency,
		State:       models.TaskDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := inTx(s.store, s.logger, func(txStore storage.Store) error {
		return errors.Wrap(txStore.SaveTask(task), "failed to save task")
	})
	if err != nil {
		return models.Task{}, err
	}

	s.emitter.Emit(EventTaskCreated, task.ID, map[string]interface{}{"client_id": task.ClientID, "category": task.Category})
	s.logger.Infof("Created task %s in category '%s' for client %s", task.ID, task.Category, task.ClientID)
	return task, nil
}

// Post moves a draft task to posted with the chosen bid mode and kicks
// off candidate matching in the background.
func (s *TaskService) Post(ctx context.Context, actor models.Actor, taskID uuid.UUID, mode models.BidMode) (models.Task, error) {
	task, err := s.Get(taskID)
	if err != nil {
		return models.Task{}, err
	}
	if actor.Role != models.RoleAdmin && actor.ID != task.ClientID {
		return models.Task{}, validationf("actor %s does not own task %s", actor.ID, taskID)
	}
	if mode != models.BidModeOpen && mode != models.BidModeInviteOnly {
		return models.Task{}, validationf("unknown bid mode '%s'", mode)
	}
	if task.State != models.TaskDraft {
		return models.Task{}, invalidTransition("task", string(task.State), string(models.TaskPosted))
	}
	if !task.PriceMax.IsPositive() || task.Currency == "" {
		return models.Task{}, validationf("pricing estimate is required before posting")
	}

	expiresAt := s.now().Add(s.cfg.PostingTTL)
	err = inTx(s.store, s.logger, func(txStore storage.Store) error {
		if err := txStore.SetTaskPosting(taskID, mode, expiresAt); err != nil {
			return mapStoreErr(err, "task", taskID)
		}
		if err := txStore.UpdateTaskState(taskID, models.TaskDraft, models.TaskPosted, nil); err != nil {
			return mapStoreErr(err, "task", taskID)
		}
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}

	s.emitter.Emit(EventTaskPosted, taskID, map[string]interface{}{"bid_mode": string(mode), "expires_at": expiresAt})
	s.logger.Infof("Posted task %s in mode '%s'", taskID, mode)

	// Candidate computation is a side effect of posting, not part of it.
	go func() {
		if _, refreshErr := s.RefreshMatching(context.Background(), taskID); refreshErr != nil {
			s.logger.Errorf("Background matching for task %s failed: %v", taskID, refreshErr)
		}
	}()

	return s.Get(taskID)
}

// RefreshMatching recomputes the candidate list for a posted task and
// advances it to matching. Safe to call when the task is already in
// matching; any other state is rejected.
func (s *TaskService) RefreshMatching(ctx context.Context, taskID uuid.UUID) ([]models.Candidate, error) {
	task, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.State != models.TaskPosted && task.State != models.TaskMatching {
		return nil, invalidStatef("task %s is %s, not open for matching", taskID, task.State)
	}

	candidates, err := s.matcher.Rank(ctx, task)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		s.logger.Infof("No candidates yet for task %s", taskID)
		return nil, nil
	}

	if task.State == models.TaskPosted {
		if err := s.store.UpdateTaskState(taskID, models.TaskPosted, models.TaskMatching, nil); err != nil {
			// A concurrent refresh or booking may have advanced the task
			// already; the candidate list is still valid.
			if !errors.Is(err, storage.ErrConflict) {
				return nil, mapStoreErr(err, "task", taskID)
			}
		} else {
			s.emitter.Emit(EventTaskMatching, taskID, map[string]interface{}{"candidates": len(candidates)})
		}
	}
	return candidates, nil
}

// TransitionTo is the guarded mutator for actor-driven task transitions.
// Admins may force any legal transition with a mandatory reason; a
// client may cancel their own task; a tasker may cancel a task they hold
// the active booking on.
func (s *TaskService) TransitionTo(actor models.Actor, taskID uuid.UUID, target models.TaskState, reason string) (models.Task, error) {
	task, err := s.Get(taskID)
	if err != nil {
		return models.Task{}, err
	}
	if !legalTaskTransition(task.State, target) {
		return models.Task{}, invalidTransition("task", string(task.State), string(target))
	}

	switch actor.Role {
	case models.RoleAdmin:
		if reason == "" {
			return models.Task{}, validationf("admin transitions require a reason")
		}
	case models.RoleClient:
		if actor.ID != task.ClientID {
			return models.Task{}, validationf("actor %s does not own task %s", actor.ID, taskID)
		}
		if target != models.TaskCanceledByClient {
			return models.Task{}, validationf("clients may only cancel their own task through this operation")
		}
	case models.RoleTasker:
		if target != models.TaskCanceledByTasker {
			return models.Task{}, validationf("taskers may only cancel through this operation")
		}
		booking, berr := s.store.GetActiveBooking(taskID)
		if berr != nil || booking.TaskerID != actor.ID {
			return models.Task{}, validationf("actor %s holds no active booking on task %s", actor.ID, taskID)
		}
	default:
		return models.Task{}, validationf("unknown actor role '%s'", actor.Role)
	}

	if err := s.store.UpdateTaskState(taskID, task.State, target, nil); err != nil {
		return models.Task{}, mapStoreErr(err, "task", taskID)
	}

	s.emitter.Emit(EventTaskTransitioned, taskID, map[string]interface{}{
		"from": string(task.State), "to": string(target), "actor": actor.ID, "reason": reason,
	})
	s.logger.Infof("Task %s moved %s -> %s by %s (%s)", taskID, task.State, target, actor.ID, actor.Role)
	return s.Get(taskID)
}

// Get fetches a task by id.
func (s *TaskService) Get(taskID uuid.UUID) (models.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.Task{}, mapStoreErr(err, "task", taskID)
	}
	return task, nil
}

// List returns all tasks ordered by creation time.
func (s *TaskService) List() ([]models.Task, error) {
	return s.store.ListTasks()
}

// SubmitReview records a review on a settled task. When both parties
// have reviewed, the task closes as reviewed.
func (s *TaskService) SubmitReview(actor models.Actor, taskID uuid.UUID, rating int, comment string) (models.Review, error) {
	if rating < 1 || rating > 5 {
		return models.Review{}, validationf("rating must be between 1 and 5")
	}
	task, err := s.Get(taskID)
	if err != nil {
		return models.Review{}, err
	}
	if task.State != models.TaskSettled {
		return models.Review{}, invalidStatef("task %s is %s, reviews open once settled", taskID, task.State)
	}
	booking, err := s.store.GetLatestBooking(taskID)
	if err != nil {
		return models.Review{}, mapStoreErr(err, "booking", taskID)
	}
	if actor.ID != task.ClientID && actor.ID != booking.TaskerID {
		return models.Review{}, validationf("actor %s is not a party of task %s", actor.ID, taskID)
	}

	review := models.Review{
		ID:        uuid.New(),
		TaskID:    taskID,
		AuthorID:  actor.ID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveReview(review); err != nil {
		return models.Review{}, mapStoreErr(err, "review", review.ID)
	}

	reviews, err := s.store.ListReviews(taskID)
	if err != nil {
		return models.Review{}, mapStoreErr(err, "review", taskID)
	}
	var clientDone, taskerDone bool
	for _, r := range reviews {
		if r.AuthorID == task.ClientID {
			clientDone = true
		}
		if r.AuthorID == booking.TaskerID {
			taskerDone = true
		}
	}
	if clientDone && taskerDone {
		if err := s.store.UpdateTaskState(taskID, models.TaskSettled, models.TaskReviewed, nil); err != nil && !errors.Is(err, storage.ErrConflict) {
			return models.Review{}, mapStoreErr(err, "task", taskID)
		}
		s.emitter.Emit(EventTaskReviewed, taskID, map[string]interface{}{"reviews": len(reviews)})
		s.logger.Infof("Task %s reviewed by both parties", taskID)
	}
	return review, nil
}

// ExpireStale moves posted/matching tasks past their deadline to
// expired. Driven by the sweeper, not by actor action.
func (s *TaskService) ExpireStale(ctx context.Context) (int, error) {
	tasks, err := s.store.ListTasksInState(models.TaskPosted, models.TaskMatching)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list open tasks")
	}
	now := s.now()
	expired := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if task.ExpiresAt == nil || task.ExpiresAt.After(now) {
			continue
		}
		if err := s.store.UpdateTaskState(task.ID, task.State, models.TaskExpired, nil); err != nil {
			// Someone booked or canceled it while we were sweeping.
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return expired, mapStoreErr(err, "task", task.ID)
		}
		s.emitter.Emit(EventTaskExpired, task.ID, map[string]interface{}{"expired_at": now})
		s.logger.Infof("Task %s expired with no booking", task.ID)
		expired++
	}
	return expired, nil
}

// CloseReviewWindows closes settled tasks whose review window elapsed.
func (s *TaskService) CloseReviewWindows(ctx context.Context) (int, error) {
	tasks, err := s.store.ListTasksInState(models.TaskSettled)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list settled tasks")
	}
	now := s.now()
	closed := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		if now.Sub(task.UpdatedAt) < s.cfg.ReviewWindow {
			continue
		}
		if err := s.store.UpdateTaskState(task.ID, models.TaskSettled, models.TaskReviewed, nil); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return closed, mapStoreErr(err, "task", task.ID)
		}
		s.emitter.Emit(EventTaskReviewed, task.ID, map[string]interface{}{"window_elapsed": true})
		closed++
	}
	return closed, nil
}

