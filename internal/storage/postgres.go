package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store on top of Postgres. Begin
// returns a store bound to a transaction; the Update* methods apply the
// expected-current-state check in the WHERE clause, so a lost race
// surfaces as zero rows affected and is reported as storage.ErrConflict.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// casResult turns the affected-row count of a compare-and-swap UPDATE
// into the right sentinel: zero rows means either the row is gone or its
// state moved under us.
func (s *PostgresStore) casResult(res sql.Result, existsQuery string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.Get(&exists, existsQuery, id); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// taskRow flattens the nested location and schedule for sqlx scanning.
type taskRow struct {
	ID                 uuid.UUID         `db:"id"`
	ClientID           uuid.UUID         `db:"client_id"`
	Category           string            `db:"category"`
	Description        string            `db:"description"`
	Address            string            `db:"address"`
	City               string            `db:"city"`
	District           string            `db:"district"`
	Lat                float64           `db:"lat"`
	Lng                float64           `db:"lng"`
	StartsAt           time.Time         `db:"starts_at"`
	FlexibilityMinutes int               `db:"flexibility_minutes"`
	BidMode            sql.NullString    `db:"bid_mode"`
	PriceMin           decimal.Decimal   `db:"price_min"`
	PriceMax           decimal.Decimal   `db:"price_max"`
	Currency           string            `db:"currency"`
	State              models.TaskState  `db:"state"`
	PriorState         *models.TaskState `db:"prior_state"`
	ExpiresAt          *time.Time        `db:"expires_at"`
	CreatedAt          time.Time         `db:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at"`
}

func (r taskRow) toModel() models.Task {
	t := models.Task{
		ID:          r.ID,
		ClientID:    r.ClientID,
		Category:    r.Category,
		Description: r.Description,
		Location: models.Location{
			Address:  r.Address,
			City:     r.City,
			District: r.District,
			Lat:      r.Lat,
			Lng:      r.Lng,
		},
		Schedule: models.Schedule{
			StartsAt:           r.StartsAt,
			FlexibilityMinutes: r.FlexibilityMinutes,
		},
		PriceMin:   r.PriceMin,
		PriceMax:   r.PriceMax,
		Currency:   r.Currency,
		State:      r.State,
		PriorState: r.PriorState,
		ExpiresAt:  r.ExpiresAt,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.BidMode.Valid {
		t.BidMode = models.BidMode(r.BidMode.String)
	}
	return t
}

const taskColumns = `id, client_id, category, description, address, city, district, lat, lng,
	starts_at, flexibility_minutes, bid_mode, price_min, price_max, currency,
	state, prior_state, expires_at, created_at, updated_at`

func (s *PostgresStore) SaveTask(t models.Task) error {
	var mode interface{}
	if t.BidMode != "" {
		mode = string(t.BidMode)
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, client_id, category, description, address, city, district, lat, lng,
			starts_at, flexibility_minutes, bid_mode, price_min, price_max, currency,
			state, prior_state, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, t.ClientID, t.Category, t.Description, t.Location.Address, t.Location.City, t.Location.District,
		t.Location.Lat, t.Location.Lng, t.Schedule.StartsAt, t.Schedule.FlexibilityMinutes, mode,
		t.PriceMin, t.PriceMax, t.Currency, t.State, t.PriorState, t.ExpiresAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(id uuid.UUID) (models.Task, error) {
	var row taskRow
	err := s.db.Get(&row, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (s *PostgresStore) ListTasks() ([]models.Task, error) {
	var rows []taskRow
	err := s.db.Select(&rows, "SELECT "+taskColumns+" FROM tasks ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toModel())
	}
	return tasks, nil
}

func (s *PostgresStore) ListTasksInState(states ...models.TaskState) ([]models.Task, error) {
	if len(states) == 0 {
		return []models.Task{}, nil
	}
	query, args, err := sqlx.In("SELECT "+taskColumns+" FROM tasks WHERE state IN (?) ORDER BY created_at", states)
	if err != nil {
		return nil, err
	}
	var rows []taskRow
	if err := s.db.Select(&rows, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, fmt.Errorf("list tasks in state: %w", err)
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toModel())
	}
	return tasks, nil
}

func (s *PostgresStore) UpdateTaskState(id uuid.UUID, expected, next models.TaskState, prior *models.TaskState) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET state = $1, prior_state = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND state = $4`,
		next, prior, id, expected)
	if err != nil {
		return fmt.Errorf("update task state %s: %w", id, err)
	}
	return s.casResult(res, "SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)", id)
}

func (s *PostgresStore) SetTaskPosting(id uuid.UUID, mode models.BidMode, expiresAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET bid_mode = $1, expires_at = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3`,
		mode, expiresAt, id)
	if err != nil {
		return fmt.Errorf("set task posting %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const bookingColumns = `id, task_id, client_id, tasker_id, status, proposed_rate, agreed_rate,
	prior_status, confirmed_at, resolved_at, created_at, updated_at`

func (s *PostgresStore) SaveBooking(b models.Booking) error {
	// The partial unique index on (task_id) WHERE status NOT IN
	// ('completed', 'canceled') enforces one active booking per task.
	_, err := s.db.Exec(`
		INSERT INTO bookings (id, task_id, client_id, tasker_id, status, proposed_rate, agreed_rate,
			prior_status, confirmed_at, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.TaskID, b.ClientID, b.TaskerID, b.Status, b.ProposedRate, b.AgreedRate,
		b.PriorStatus, b.ConfirmedAt, b.ResolvedAt, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("save booking: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBooking(id uuid.UUID) (models.Booking, error) {
	var b models.Booking
	err := s.db.Get(&b, "SELECT "+bookingColumns+" FROM bookings WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Booking{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("get booking %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) GetActiveBooking(taskID uuid.UUID) (models.Booking, error) {
	var b models.Booking
	err := s.db.Get(&b, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE task_id = $1 AND status NOT IN ('completed', 'canceled')
		ORDER BY created_at DESC LIMIT 1`, taskID)
	if err == sql.ErrNoRows {
		return models.Booking{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("get active booking for task %s: %w", taskID, err)
	}
	return b, nil
}

func (s *PostgresStore) GetLatestBooking(taskID uuid.UUID) (models.Booking, error) {
	var b models.Booking
	err := s.db.Get(&b, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`, taskID)
	if err == sql.ErrNoRows {
		return models.Booking{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("get latest booking for task %s: %w", taskID, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBookingsInStatus(statuses ...models.BookingStatus) ([]models.Booking, error) {
	if len(statuses) == 0 {
		return []models.Booking{}, nil
	}
	query, args, err := sqlx.In("SELECT "+bookingColumns+" FROM bookings WHERE status IN (?) ORDER BY created_at", statuses)
	if err != nil {
		return nil, err
	}
	bookings := []models.Booking{}
	if err := s.db.Select(&bookings, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, fmt.Errorf("list bookings in status: %w", err)
	}
	return bookings, nil
}

func (s *PostgresStore) UpdateBookingStatus(id uuid.UUID, expected, next models.BookingStatus, prior *models.BookingStatus) error {
	res, err := s.db.Exec(`
		UPDATE bookings
		SET status = $1,
		prior_status = $2,
		confirmed_at = CASE WHEN $3 = 'confirmed' THEN CURRENT_TIMESTAMP ELSE confirmed_at END,
		resolved_at = CASE WHEN $4 IN ('completed', 'canceled') THEN CURRENT_TIMESTAMP ELSE resolved_at END,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $5 AND status = $6`,
		// the CASE parameters are interpreted separately so the status is passed again
		next, prior, next, next, id, expected)
	if err != nil {
		return fmt.Errorf("update booking status %s: %w", id, err)
	}
	return s.casResult(res, "SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)", id)
}

func (s *PostgresStore) SetBookingAgreedRate(id uuid.UUID, rate decimal.Decimal) error {
	res, err := s.db.Exec(`
		UPDATE bookings SET agreed_rate = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, rate, id)
	if err != nil {
		return fmt.Errorf("set booking agreed rate %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type paymentRow struct {
	ID          uuid.UUID            `db:"id"`
	BookingID   uuid.UUID            `db:"booking_id"`
	Amount      decimal.Decimal      `db:"amount"`
	Currency    string               `db:"currency"`
	Status      models.PaymentStatus `db:"status"`
	TaskerRate  decimal.Decimal      `db:"tasker_rate"`
	PlatformFee decimal.Decimal      `db:"platform_fee"`
	Tip         decimal.Decimal      `db:"tip"`
	Method      string               `db:"method"`
	GatewayRef  string               `db:"gateway_ref"`
	CapturedAt  *time.Time           `db:"captured_at"`
	CreatedAt   time.Time            `db:"created_at"`
	UpdatedAt   time.Time            `db:"updated_at"`
}

func (r paymentRow) toModel() models.Payment {
	return models.Payment{
		ID:        r.ID,
		BookingID: r.BookingID,
		Amount:    r.Amount,
		Currency:  r.Currency,
		Status:    r.Status,
		Breakdown: models.Breakdown{
			TaskerRate:  r.TaskerRate,
			PlatformFee: r.PlatformFee,
			Tip:         r.Tip,
		},
		Method:     r.Method,
		GatewayRef: r.GatewayRef,
		CapturedAt: r.CapturedAt,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

const paymentColumns = `id, booking_id, amount, currency, status, tasker_rate, platform_fee, tip,
	method, gateway_ref, captured_at, created_at, updated_at`

func (s *PostgresStore) SavePayment(p models.Payment) error {
	_, err := s.db.Exec(`
		INSERT INTO payments (id, booking_id, amount, currency, status, tasker_rate, platform_fee, tip,
			method, gateway_ref, captured_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.BookingID, p.Amount, p.Currency, p.Status, p.Breakdown.TaskerRate, p.Breakdown.PlatformFee,
		p.Breakdown.Tip, p.Method, p.GatewayRef, p.CapturedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPayment(id uuid.UUID) (models.Payment, error) {
	var row paymentRow
	err := s.db.Get(&row, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Payment{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Payment{}, fmt.Errorf("get payment %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (s *PostgresStore) GetPaymentForBooking(bookingID uuid.UUID) (models.Payment, error) {
	var row paymentRow
	err := s.db.Get(&row, `
		SELECT `+paymentColumns+` FROM payments
		WHERE booking_id = $1 ORDER BY created_at DESC LIMIT 1`, bookingID)
	if err == sql.ErrNoRows {
		return models.Payment{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Payment{}, fmt.Errorf("get payment for booking %s: %w", bookingID, err)
	}
	return row.toModel(), nil
}

func (s *PostgresStore) UpdatePaymentStatus(id uuid.UUID, expected, next models.PaymentStatus, gatewayRef string) error {
	res, err := s.db.Exec(`
		UPDATE payments
		SET status = $1,
		gateway_ref = CASE WHEN $2 <> '' THEN $2 ELSE gateway_ref END,
		captured_at = CASE WHEN $3 = 'captured' THEN CURRENT_TIMESTAMP ELSE captured_at END,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND status = $5`,
		next, gatewayRef, next, id, expected)
	if err != nil {
		return fmt.Errorf("update payment status %s: %w", id, err)
	}
	return s.casResult(res, "SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)", id)
}

func (s *PostgresStore) AppendLedgerEntry(e models.LedgerEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO ledger_entries (id, payment_id, booking_id, entry_type, amount, memo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.PaymentID, e.BookingID, e.Type, e.Amount, e.Memo, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLedgerEntries(paymentID uuid.UUID) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	err := s.db.Select(&entries, `
		SELECT id, payment_id, booking_id, entry_type, amount, memo, created_at
		FROM ledger_entries WHERE payment_id = $1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for payment %s: %w", paymentID, err)
	}
	return entries, nil
}

const disputeColumns = `id, booking_id, opened_by, reason, status, amount_in_question,
	resolution_text, refund_amount, resolved_by, resolved_at, created_at, updated_at`

func (s *PostgresStore) SaveDispute(d models.Dispute) error {
	_, err := s.db.Exec(`
		INSERT INTO disputes (id, booking_id, opened_by, reason, status, amount_in_question,
			resolution_text, refund_amount, resolved_by, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.BookingID, d.OpenedBy, d.Reason, d.Status, d.AmountInQuestion,
		d.ResolutionText, d.RefundAmount, d.ResolvedBy, d.ResolvedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("save dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDispute(id uuid.UUID) (models.Dispute, error) {
	var d models.Dispute
	err := s.db.Get(&d, "SELECT "+disputeColumns+" FROM disputes WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Dispute{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Dispute{}, fmt.Errorf("get dispute %s: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) GetOpenDispute(bookingID uuid.UUID) (models.Dispute, error) {
	var d models.Dispute
	err := s.db.Get(&d, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE booking_id = $1 AND status <> 'resolved'
		ORDER BY created_at DESC LIMIT 1`, bookingID)
	if err == sql.ErrNoRows {
		return models.Dispute{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Dispute{}, fmt.Errorf("get open dispute for booking %s: %w", bookingID, err)
	}
	return d, nil
}

func (s *PostgresStore) UpdateDisputeStatus(id uuid.UUID, expected, next models.DisputeStatus, resolution *storage.DisputeResolution) error {
	var res sql.Result
	var err error
	if resolution != nil {
		res, err = s.db.Exec(`
			UPDATE disputes
			SET status = $1, resolved_by = $2, resolution_text = $3, refund_amount = $4,
			resolved_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = $5 AND status = $6`,
			next, resolution.ResolvedBy, resolution.ResolutionText, resolution.RefundAmount, id, expected)
	} else {
		res, err = s.db.Exec(`
			UPDATE disputes SET status = $1, updated_at = CURRENT_TIMESTAMP
			WHERE id = $2 AND status = $3`,
			next, id, expected)
	}
	if err != nil {
		return fmt.Errorf("update dispute status %s: %w", id, err)
	}
	return s.casResult(res, "SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)", id)
}

func (s *PostgresStore) SaveEvidence(e models.Evidence) error {
	_, err := s.db.Exec(`
		INSERT INTO dispute_evidence (id, dispute_id, author_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.DisputeID, e.AuthorID, e.Content, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("save evidence: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvidence(disputeID uuid.UUID) ([]models.Evidence, error) {
	evidence := []models.Evidence{}
	err := s.db.Select(&evidence, `
		SELECT id, dispute_id, author_id, content, created_at
		FROM dispute_evidence WHERE dispute_id = $1 ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("list evidence for dispute %s: %w", disputeID, err)
	}
	return evidence, nil
}

func (s *PostgresStore) SaveReview(r models.Review) error {
	_, err := s.db.Exec(`
		INSERT INTO reviews (id, task_id, author_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.TaskID, r.AuthorID, r.Rating, r.Comment, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("save review: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviews(taskID uuid.UUID) ([]models.Review, error) {
	reviews := []models.Review{}
	err := s.db.Select(&reviews, `
		SELECT id, task_id, author_id, rating, comment, created_at
		FROM reviews WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reviews for task %s: %w", taskID, err)
	}
	return reviews, nil
}
