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

// BookingService owns the client-tasker engagement lifecycle and keeps
// it consistent with the task it belongs to: every booking transition
// carries the matching task transition in the same transaction, so a
// task never says accepted while its booking says offered.
type BookingService struct {
	store   storage.Store
	matcher *Matcher
	ledger  *Ledger
	emitter Emitter
	cfg     Config
	logger  Logger
	now     func() time.Time
}

func NewBookingService(store storage.Store, matcher *Matcher, ledger *Ledger, emitter Emitter, cfg Config, logger Logger) *BookingService {
	return &BookingService{
		store:   store,
		matcher: matcher,
		ledger:  ledger,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Offer creates an offered booking for an invite-only task. A second
// invite while one is pending fails with a conflict.
func (s *BookingService) Offer(ctx context.Context, actor models.Actor, taskID, taskerID uuid.UUID, proposedRate decimal.Decimal) (models.Booking, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.Booking{}, mapStoreErr(err, "task", taskID)
	}
	if actor.Role != models.RoleAdmin && actor.ID != task.ClientID {
		return models.Booking{}, validationf("actor %s does not own task %s", actor.ID, taskID)
	}
	if task.BidMode != models.BidModeInviteOnly {
		return models.Booking{}, validationf("task %s is not invite-only", taskID)
	}
	if task.State != models.TaskPosted && task.State != models.TaskMatching {
		return models.Booking{}, invalidStatef("task %s is %s, not open for invites", taskID, task.State)
	}
	if existing, berr := s.store.GetActiveBooking(taskID); berr == nil {
		return models.Booking{}, conflictf("task %s already has pending booking %s", taskID, existing.ID)
	}
	if _, err := s.matcher.Eligible(ctx, task, taskerID); err != nil {
		return models.Booking{}, err
	}
	if !proposedRate.IsPositive() {
		proposedRate = task.PriceMax
	}

	now := s.now()
	booking := models.Booking{
		ID:           uuid.New(),
		TaskID:       taskID,
		ClientID:     task.ClientID,
		TaskerID:     taskerID,
		Status:       models.BookingOffered,
		ProposedRate: proposedRate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.SaveBooking(booking); err != nil {
		return models.Booking{}, mapStoreErr(err, "booking", booking.ID)
	}

	s.emitter.Emit(EventBookingOffered, booking.ID, map[string]interface{}{
		"task_id": taskID, "tasker_id": taskerID, "proposed_rate": proposedRate.String(),
	})
	s.logger.Infof("Offered booking %s on task %s to tasker %s", booking.ID, taskID, taskerID)
	return booking, nil
}

// SelfAccept lets an eligible tasker claim an open-bid task. First
// accept wins: the task transition is a compare-and-swap, so of two
// concurrent calls exactly one creates the booking and the other loses
// with a conflict.
func (s *BookingService) SelfAccept(ctx context.Context, actor models.Actor, taskID uuid.UUID, proposedRate decimal.Decimal) (models.Booking, error) {
	if actor.Role != models.RoleTasker {
		return models.Booking{}, validationf("only taskers may self-accept")
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return models.Booking{}, mapStoreErr(err, "task", taskID)
	}
	if task.BidMode != models.BidModeOpen {
		return models.Booking{}, validationf("task %s is not open for bids", taskID)
	}
	if task.State != models.TaskPosted && task.State != models.TaskMatching {
		return models.Booking{}, invalidStatef("task %s is %s, not open for accepting", taskID, task.State)
	}
	if _, err := s.matcher.Eligible(ctx, task, actor.ID); err != nil {
		return models.Booking{}, err
	}
	if !proposedRate.IsPositive() {
		proposedRate = task.PriceMax
	}

	now := s.now()
	booking := models.Booking{
		ID:           uuid.New(),
		TaskID:       taskID,
		ClientID:     task.ClientID,
		TaskerID:     actor.ID,
		Status:       models.BookingAccepted,
		ProposedRate: proposedRate,
		AgreedRate:   proposedRate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = inTx(s.store, s.logger, func(txStore storage.Store) error {
		// The CAS on the task state is the race arbiter.
		if err := txStore.UpdateTaskState(taskID, task.State, models.TaskAccepted, nil); err != nil {
			return mapStoreErr(err, "task", taskID)
		}
		if err := txStore.SaveBooking(booking); err != nil {
			return mapStoreErr(err, "booking", booking.ID)
		}
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}

	s.emitter.Emit(EventBookingAccepted, booking.ID, map[string]interface{}{
		"task_id": taskID, "tasker_id": actor.ID, "self_accept": true,
	})
	s.logger.Infof("Tasker %s self-accepted task %s (booking %s)", actor.ID, taskID, booking.ID)
	return booking, nil
}

// Respond records the tasker's answer to an offered booking. Accepting
// advances the task; declining resolves the booking and leaves the task
// open so matching can continue.
func (s *BookingService) Respond(ctx context.Context, actor models.Actor, bookingID uuid.UUID, accept bool) (models.Booking, error) {
	booking, err := s.Get(bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if actor.Role != models.RoleAdmin && actor.ID != booking.TaskerID {
		return models.Booking{}, validationf("actor %s was not offered booking %s", actor.ID, bookingID)
	}
	if booking.Status != models.BookingOffered {
		return models.Booking{}, invalidStatef("booking %s is %s, not awaiting a response", bookingID, booking.Status)
	}

	if !accept {
		if err := s.store.UpdateBookingStatus(bookingID, models.BookingOffered, models.BookingCanceled, nil); err != nil {
			return models.Booking{}, mapStoreErr(err, "booking", bookingID)
		}
		s.emitter.Emit(EventBookingDeclined, bookingID, map[string]interface{}{"task_id": booking.TaskID})
		s.logger.Infof("Tasker %s declined booking %s, task %s reopened for matching", actor.ID, bookingID, booking.TaskID)
		return s.Get(bookingID)
	}

	task, err := s.store.GetTask(booking.TaskID)
	if err != nil {
		return models.Booking{}, mapStoreErr(err, "task", booking.TaskID)
	}
	if task.State != models.TaskPosted && task.State != models.TaskMatching {
		return models.Booking{}, invalidStatef("task %s is %s, booking can no longer be accepted", task.ID, task.State)
	}

	err = inTx(s.store, s.logger, func(txStore storage.Store) error {
		if err := txStore.UpdateBookingStatus(bookingID, models.BookingOffered, models.BookingAccepted, nil); err != nil {
			return mapStoreErr(err, "booking", bookingID)
		}
		if err := txStore.SetBookingAgreedRate(bookingID, booking.ProposedRate); err != nil {
			return mapStoreErr(err, "booking", bookingID)
		}
		if err := txStore.UpdateTaskState(task.ID, task.State, models.TaskAccepted, nil); err != nil {
			return mapStoreErr(err, "task", task.ID)
		}
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}

	s.emitter.Emit(EventBookingAccepted, bookingID, map[string]interface{}{"task_id": booking.TaskID, "tasker_id": booking.TaskerID})
	s.logger.Infof("Tasker %s accepted booking %s on task %s", actor.ID, bookingID, booking.TaskID)
	return s.Get(bookingID)
}

// Confirm records the client's acknowledgement of the agreed terms.
func (s *BookingService) Confirm(ctx context.Context, actor models.Actor, bookingID uuid.UUID) (models.Booking, error) {
	booking, err := s.Get(bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if actor.Role != models.RoleAdmin && actor.ID != booking.ClientID {
		return models.Booking{}, validationf("actor %s is not the client on booking %s", actor.ID, bookingID)
	}
	if booking.Status != models.BookingAccepted {
		return models.Booking{}, invalidTransition("booking", string(booking.Status), string(models.BookingConfirmed))
	}

	err = inTx(s.store, s.logger, func(txStore storage.Store) error {
		if err := txStore.UpdateBookingStatus(bookingID, models.BookingAccepted, models.BookingConfirmed, nil); err != nil {
			return mapStoreErr(err, "booking", bookingID)
		}
		if err := txStore.UpdateTaskState(booking.TaskID, models.TaskAccepted, models.TaskConfirmed, nil); err != nil {
			return mapStoreErr(err, "task", booking.TaskID)
		}
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}

	s.emitter.Emit(EventBookingConfirmed, bookingID, map[string]interface{}{"task_id": booking.TaskID})
	s.logger.Infof("Booking %s confirmed on task %s", bookingID, booking.TaskID)
	return s.Get(bookingID)
}

// Start is the tasker's check-in. The work may begin once the scheduled
// start, less the flexibility margin, has been reached.
func (s *BookingService) Start(ctx context.Context, actor models.Actor, bookingID uuid.UUID) (models.Booking, error) {
	booking, err := s.Get(bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if actor.Role != models.RoleAdmin && actor.ID != booking.TaskerID {
		return models.Booking{}, validationf("actor %s is not the tasker on booking %s", actor.ID, bookingID)
	}
	if booking.Status != models.BookingConfirmed {
		return models.Booking{}, invalidTransition("booking", string(booking.Status), string(models.BookingInProgress))
	}
	task, err := s.store.GetTask(booking.TaskID)
	if err != nil {
		return models.Booking{}, mapStoreErr(err, "task", booking.TaskID)
	}
	earliest := task.Schedule.StartsAt.Add(-time.Duration(task.Schedule.FlexibilityMinutes) * time.Minute)
	if s.now().Before(earliest) {
		return models.Booking{}, validationf("task %s cannot start before %s", task.ID, earliest)
	}

	err = inTx(s.store, s.logger, func(txStore storage.Store) error {
		if err := txStore.UpdateBookingStatus(bookingID, models.BookingConfirmed, models.BookingInProgress, nil); err != nil {
			return mapStoreErr(err, "booking", bookingID)
		}
		if err := txStore.UpdateTaskState(booking.TaskID, models.TaskConfirmed, models.TaskInProgress, nil); err != nil {
			return mapStoreErr(err, "task", booking.TaskID)
		}
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}

	s.emitter.Emit(EventBookingStarted, bookingID, map[string]interface{}{"task_id": booking.TaskID})
	s.logger.Infof("Booking %s started on task %s", bookingID, booking.TaskID)
	return s.Get(bookingID)
}

// Complete marks the work done and settles payment. Capture runs first:
// if it fails, nothing moves and the booking stays in progress — there
// is no partially-completed state. On success the booking completes and
// the task settles.
func (s *BookingService) Complete(ctx context.Context, actor models.Actor, bookingID uuid.UUID) (models.Booking, error) {
	booking, err := s.Get(bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if actor.Role != models.RoleAdmin && actor.ID != booking.TaskerID {
		return models.Booking{}, validationf("actor %s is not the tasker on booking %s", actor.ID, bookingID)
	}
	if booking.Status != models.BookingInProgress {
		return models.Booking{}, invalidTransition("booking", string(booking.Status), string(models.BookingCompleted))
	}
	task, err := s.store.GetTask(booking.TaskID)
	if err != nil {
		return models.Booking{}, mapStoreErr(err, "task", booking.TaskID)
	}
	if task.State != models.TaskInProgress {
		return models.Booking{}, invalidStatef("task %s is %s, cannot complete", task.ID, task.State)
	}

	payment, err := s.store.GetPaymentForBooking(bookingID)
	if err != nil {
		return models.Booking{}, validationf("booking %s has no payment to capture", bookingID)
	}
	if _, err := s.ledger.Capture(ctx, payment.ID); err != nil {
		return models.Booking{}, err
	}

	err = inTx(s.store, s.logger, func(txStore storage.Store) error {
		if err := txStore.UpdateBookingStatus(bookingID, models.BookingInProgress, models.BookingCompleted, nil); err != nil {
			return mapStoreErr(err, "booking", bookingID)
		}
		if err := txStore.UpdateTaskState(booking.TaskID, models.TaskInProgress, models.TaskCompleted, nil); err != nil {
			return mapStoreErr(err, "task", booking.TaskID)
		}
		if err := txStore.UpdateTaskState(booking.TaskID, models.TaskCompleted, models.TaskSettled, nil); err != nil {
			return mapStoreErr(err, "task", booking.TaskID)
		}
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}

	s.emitter.Emit(EventBookingCompleted, bookingID, map[string]interface{}{"task_id": booking.TaskID, "payment_id": payment.ID})
	s.logger.Infof("Booking %s completed, task %s settled", bookingID, booking.TaskID)
	return s.Get(bookingID)
}

// Cancel terminates a booking and propagates the cancellation to the
// task. Canceling a confirmed engagement outside the free window incurs
// a fee assessed by the ledger before the task moves.
func (s *BookingService) Cancel(ctx context.Context, actor models.Actor, bookingID uuid.UUID, reason string) (models.Booking, error) {
	booking, err := s.Get(bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	var target models.TaskState
	switch actor.Role {
	case models.RoleAdmin:
		if reason == "" {
			return models.Booking{}, validationf("admin cancellations require a reason")
		}
		target = models.TaskCanceledByClient
	case models.RoleClient:
		if actor.ID != booking.ClientID {
			return models.Booking{}, validationf("actor %s is not the client on booking %s", actor.ID, bookingID)
		}
		target = models.TaskCanceledByClient
	case models.RoleTasker:
		if actor.ID != booking.TaskerID {
			return models.Booking{}, validationf("actor %s is not the tasker on booking %s", actor.ID, bookingID)
		}
		target = models.TaskCanceledByTasker
	default:
		return models.Booking{}, validationf("unknown actor role '%s'", actor.Role)
	}
	if booking.Status.Terminal() || booking.Status == models.BookingDisputed {
		return models.Booking{}, invalidTransition("booking", string(booking.Status), string(models.BookingCanceled))
	}

	task, err := s.store.GetTask(booking.TaskID)
	if err != nil {
		return models.Booking{}, mapStoreErr(err, "task", booking.TaskID)
	}
	if !legalTaskTransition(task.State, target) {
		return models.Booking{}, invalidTransition("task", string(task.State), string(target))
	}

	// Fee assessment happens before the task leaves its current state.
	fee := decimal.Zero
	if booking.Status == models.BookingConfirmed || booking.Status == models.BookingInProgress {
		if fee, err = s.ledger.AssessCancellationFee(booking); err != nil {
			return models.Booking{}, err
		}
	}

	err = inTx(s.store, s.logger, func(txStore storage.Store) error {
		if err := txStore.UpdateBookingStatus(bookingID, booking.Status, models.BookingCanceled, nil); err != nil {
			return mapStoreErr(err, "booking", bookingID)
		}
		if err := txStore.UpdateTaskState(task.ID, task.State, target, nil); err != nil {
			return mapStoreErr(err, "task", task.ID)
		}
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}

	s.emitter.Emit(EventBookingCanceled, bookingID, map[string]interface{}{
		"task_id": booking.TaskID, "by": string(actor.Role), "reason": reason, "fee": fee.String(),
	})
	s.logger.Infof("Booking %s canceled by %s (fee %s)", bookingID, actor.Role, fee)
	return s.Get(bookingID)
}

// ExpireStaleOffers auto-declines offered bookings whose response window
// elapsed, reopening their tasks for matching. Driven by the sweeper.
func (s *BookingService) ExpireStaleOffers(ctx context.Context) (int, error) {
	bookings, err := s.store.ListBookingsInStatus(models.BookingOffered)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list offered bookings")
	}
	now := s.now()
	declined := 0
	for _, booking := range bookings {
		if ctx.Err() != nil {
			return declined, ctx.Err()
		}
		if now.Sub(booking.CreatedAt) < s.cfg.OfferResponseWindow {
			continue
		}
		if err := s.store.UpdateBookingStatus(booking.ID, models.BookingOffered, models.BookingCanceled, nil); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return declined, mapStoreErr(err, "booking", booking.ID)
		}
		s.emitter.Emit(EventBookingDeclined, booking.ID, map[string]interface{}{
			"task_id": booking.TaskID, "auto": true,
		})
		s.logger.Infof("Booking %s auto-declined after response window", booking.ID)
		declined++
	}
	return declined, nil
}

// Get fetches a booking by id.
func (s *BookingService) Get(bookingID uuid.UUID) (models.Booking, error) {
	booking, err := s.store.GetBooking(bookingID)
	if err != nil {
		return models.Booking{}, mapStoreErr(err, "booking", bookingID)
	}
	return booking, nil
}

