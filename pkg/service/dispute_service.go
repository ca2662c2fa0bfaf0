package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/storage"
)

// DisputeService freezes a booking while a disagreement is investigated
// and unwinds or restores it on resolution. Opening a dispute parks the
// booking and its task in their disputed states while remembering where
// they were, so a no-refund resolution can put them back exactly.
type DisputeService struct {
	store   storage.Store
	ledger  *Ledger
	emitter Emitter
	cfg     Config
	logger  Logger
	now     func() time.Time
}

func NewDisputeService(store storage.Store, ledger *Ledger, emitter Emitter, cfg Config, logger Logger) *DisputeService {
	return &DisputeService{
		store:   store,
		ledger:  ledger,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Open raises a dispute on a booking. Either party may open one, at any
// point from acceptance until the task is reviewed, and only one dispute
// may be open per booking. The booking and its task both move to their
// disputed states in one transaction, storing the states they left.
func (s *DisputeService) Open(ctx context.Context, actor models.Actor, bookingID uuid.UUID, reason string, amountInQuestion decimal.Decimal) (models.Dispute, error) {
	if reason == "" {
		return models.Dispute{}, validationf("dispute reason is required")
	}
	if amountInQuestion.IsNegative() {
		return models.Dispute{}, validationf("amount in question cannot be negative")
	}
	booking, err := s.store.GetBooking(bookingID)
	if err != nil {
		return models.Dispute{}, mapStoreErr(err, "booking", bookingID)
	}
	if actor.Role != models.RoleAdmin && actor.ID != booking.ClientID && actor.ID != booking.TaskerID {
		return models.Dispute{}, validationf("actor %s is not a party to booking %s", actor.ID, bookingID)
	}
	switch booking.Status {
	case models.BookingAccepted, models.BookingConfirmed, models.BookingInProgress, models.BookingCompleted:
	default:
		return models.Dispute{}, invalidStatef("booking %s is %s, disputes require an accepted or later engagement", bookingID, booking.Status)
	}
	task, err := s.store.GetTask(booking.TaskID)
	if err != nil {
		return models.Dispute{}, mapStoreErr(err, "task", booking.TaskID)
	}
	if task.State == models.TaskReviewed {
		return models.Dispute{}, invalidStatef("task %s is reviewed, the dispute window has closed", task.ID)
	}
	if existing, derr := s.store.GetOpenDispute(bookingID); derr == nil {
		return models.Dispute{}, conflictf("booking %s already has open dispute %s", bookingID, existing.ID)
	}

	now := s.now()
	dispute := models.Dispute{
		ID:               uuid.New(),
		BookingID:        bookingID,
		OpenedBy:         actor.ID,
		Reason:           reason,
		Status:           models.DisputeOpen,
		AmountInQuestion: amountInQuestion,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	priorStatus := booking.Status
	priorState := task.State
	err = inTx(s.store, s.logger, func(txStore storage.Store) error {
		if err := txStore.SaveDispute(dispute); err != nil {
			return mapStoreErr(err, "dispute", dispute.ID)
		}
		if err := txStore.UpdateBookingStatus(bookingID, priorStatus, models.BookingDisputed, &priorStatus); err != nil {
			return mapStoreErr(err, "booking", bookingID)
		}
		if err := txStore.UpdateTaskState(task.ID, priorState, models.TaskDisputed, &priorState); err != nil {
			return mapStoreErr(err, "task", task.ID)
		}
		return nil
	})
	if err != nil {
		return models.Dispute{}, err
	}

	s.emitter.Emit(EventDisputeOpened, dispute.ID, map[string]interface{}{
		"booking_id": bookingID, "opened_by": actor.ID, "amount_in_question": amountInQuestion.String(),
	})
	s.logger.Infof("Dispute %s opened on booking %s by %s", dispute.ID, bookingID, actor.ID)
	return dispute, nil
}

// Investigate moves an open dispute under active review. Admin only.
func (s *DisputeService) Investigate(ctx context.Context, actor models.Actor, disputeID uuid.UUID) (models.Dispute, error) {
	if actor.Role != models.RoleAdmin {
		return models.Dispute{}, validationf("only admins may investigate disputes")
	}
	dispute, err := s.Get(disputeID)
	if err != nil {
		return models.Dispute{}, err
	}
	if dispute.Status != models.DisputeOpen {
		return models.Dispute{}, invalidTransition("dispute", string(dispute.Status), string(models.DisputeInvestigating))
	}
	if err := s.store.UpdateDisputeStatus(disputeID, models.DisputeOpen, models.DisputeInvestigating, nil); err != nil {
		return models.Dispute{}, mapStoreErr(err, "dispute", disputeID)
	}
	s.logger.Infof("Dispute %s moved to investigating by %s", disputeID, actor.ID)
	return s.Get(disputeID)
}

// AddEvidence attaches a submission to a non-resolved dispute. Either
// party to the booking, or an admin, may submit.
func (s *DisputeService) AddEvidence(ctx context.Context, actor models.Actor, disputeID uuid.UUID, content string) (models.Evidence, error) {
	if content == "" {
		return models.Evidence{}, validationf("evidence content is required")
	}
	dispute, err := s.Get(disputeID)
	if err != nil {
		return models.Evidence{}, err
	}
	if dispute.Status == models.DisputeResolved {
		return models.Evidence{}, invalidStatef("dispute %s is resolved, evidence is closed", disputeID)
	}
	booking, err := s.store.GetBooking(dispute.BookingID)
	if err != nil {
		return models.Evidence{}, mapStoreErr(err, "booking", dispute.BookingID)
	}
	if actor.Role != models.RoleAdmin && actor.ID != booking.ClientID && actor.ID != booking.TaskerID {
		return models.Evidence{}, validationf("actor %s is not a party to dispute %s", actor.ID, disputeID)
	}

	evidence := models.Evidence{
		ID:        uuid.New(),
		DisputeID: disputeID,
		AuthorID:  actor.ID,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveEvidence(evidence); err != nil {
		return models.Evidence{}, mapStoreErr(err, "evidence", evidence.ID)
	}

	s.emitter.Emit(EventDisputeEvidence, disputeID, map[string]interface{}{
		"author_id": actor.ID,
	})
	s.logger.Infof("Evidence %s added to dispute %s by %s", evidence.ID, disputeID, actor.ID)
	return evidence, nil
}

// Resolve closes a dispute. A resolution with a refund cancels the
// engagement: the refund is issued against the captured payment, the
// booking is canceled and the task ends canceled by client. A no-refund
// resolution restores the booking and task to the states they held when
// the dispute opened. Admin only.
func (s *DisputeService) Resolve(ctx context.Context, actor models.Actor, disputeID uuid.UUID, refundAmount decimal.Decimal, resolutionText string) (models.Dispute, error) {
	if actor.Role != models.RoleAdmin {
		return models.Dispute{}, validationf("only admins may resolve disputes")
	}
	if resolutionText == "" {
		return models.Dispute{}, validationf("resolution text is required")
	}
	if refundAmount.IsNegative() {
		return models.Dispute{}, validationf("refund amount cannot be negative")
	}
	dispute, err := s.Get(disputeID)
	if err != nil {
		return models.Dispute{}, err
	}
	if dispute.Status == models.DisputeResolved {
		return models.Dispute{}, invalidStatef("dispute %s is already resolved", disputeID)
	}
	booking, err := s.store.GetBooking(dispute.BookingID)
	if err != nil {
		return models.Dispute{}, mapStoreErr(err, "booking", dispute.BookingID)
	}
	task, err := s.store.GetTask(booking.TaskID)
	if err != nil {
		return models.Dispute{}, mapStoreErr(err, "task", booking.TaskID)
	}

	// A refund needs a captured payment to compensate; checked up front
	// so a failed resolution leaves the dispute open and the freeze on.
	var payment models.Payment
	if refundAmount.IsPositive() {
		var perr error
		if payment, perr = s.store.GetPaymentForBooking(dispute.BookingID); perr != nil {
			return models.Dispute{}, validationf("booking %s has no payment to refund", dispute.BookingID)
		}
		if payment.Status != models.PaymentCaptured {
			return models.Dispute{}, invalidStatef("payment %s is %s, only captured payments can be refunded", payment.ID, payment.Status)
		}
	}

	resolution := &storage.DisputeResolution{
		ResolvedBy:     actor.ID,
		ResolutionText: resolutionText,
		RefundAmount:   refundAmount,
	}
	// The refund entry rides the same transaction as the transition to
	// resolved: neither is visible without the other.
	err = inTx(s.store, s.logger, func(txStore storage.Store) error {
		if err := txStore.UpdateDisputeStatus(disputeID, dispute.Status, models.DisputeResolved, resolution); err != nil {
			return mapStoreErr(err, "dispute", disputeID)
		}
		if refundAmount.IsPositive() {
			if _, err := s.ledger.refund(txStore, payment, refundAmount, "dispute resolution refund"); err != nil {
				return err
			}
			if err := txStore.UpdateBookingStatus(booking.ID, models.BookingDisputed, models.BookingCanceled, nil); err != nil {
				return mapStoreErr(err, "booking", booking.ID)
			}
			if err := txStore.UpdateTaskState(task.ID, models.TaskDisputed, models.TaskCanceledByClient, nil); err != nil {
				return mapStoreErr(err, "task", task.ID)
			}
			return nil
		}
		restoredStatus := models.BookingAccepted
		if booking.PriorStatus != nil {
			restoredStatus = *booking.PriorStatus
		}
		restoredState := models.TaskAccepted
		if task.PriorState != nil {
			restoredState = *task.PriorState
		}
		if err := txStore.UpdateBookingStatus(booking.ID, models.BookingDisputed, restoredStatus, nil); err != nil {
			return mapStoreErr(err, "booking", booking.ID)
		}
		if err := txStore.UpdateTaskState(task.ID, models.TaskDisputed, restoredState, nil); err != nil {
			return mapStoreErr(err, "task", task.ID)
		}
		return nil
	})
	if err != nil {
		return models.Dispute{}, err
	}

	if refundAmount.IsPositive() {
		s.emitter.Emit(EventPaymentRefunded, payment.ID, map[string]interface{}{
			"booking_id": dispute.BookingID, "amount": refundAmount.String(), "dispute_id": disputeID,
		})
	}
	s.emitter.Emit(EventDisputeResolved, disputeID, map[string]interface{}{
		"booking_id": dispute.BookingID, "refund_amount": refundAmount.String(), "resolved_by": actor.ID,
	})
	s.logger.Infof("Dispute %s resolved by %s (refund %s)", disputeID, actor.ID, refundAmount)
	return s.Get(disputeID)
}

// Get fetches a dispute by id.
func (s *DisputeService) Get(disputeID uuid.UUID) (models.Dispute, error) {
	dispute, err := s.store.GetDispute(disputeID)
	if err != nil {
		return models.Dispute{}, mapStoreErr(err, "dispute", disputeID)
	}
	return dispute, nil
}

// Evidence lists submissions on a dispute in creation order.
func (s *DisputeService) Evidence(disputeID uuid.UUID) ([]models.Evidence, error) {
	if _, err := s.Get(disputeID); err != nil {
		return nil, err
	}
	return s.store.ListEvidence(disputeID)
}
