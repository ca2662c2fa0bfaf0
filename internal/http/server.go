package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskhive/taskhive/internal/log"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/service"
)

// Server is a thin JSON adapter over the engine services. Authentication
// lives upstream; the caller's identity arrives in the X-Actor-ID and
// X-Actor-Role headers set by the gateway.
type Server struct {
	tasks    *service.TaskService
	bookings *service.BookingService
	ledger   *service.Ledger
	disputes *service.DisputeService
	mux      *http.ServeMux
}

func NewServer(tasks *service.TaskService, bookings *service.BookingService, ledger *service.Ledger, disputes *service.DisputeService) *Server {
	s := &Server{
		tasks:    tasks,
		bookings: bookings,
		ledger:   ledger,
		disputes: disputes,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /tasks/{id}/post", s.handlePostTask)
	s.mux.HandleFunc("POST /tasks/{id}/transition", s.handleTransitionTask)
	s.mux.HandleFunc("GET /tasks/{id}/candidates", s.handleCandidates)
	s.mux.HandleFunc("POST /tasks/{id}/offers", s.handleOffer)
	s.mux.HandleFunc("POST /tasks/{id}/accept", s.handleSelfAccept)
	s.mux.HandleFunc("POST /tasks/{id}/reviews", s.handleSubmitReview)

	s.mux.HandleFunc("GET /bookings/{id}", s.handleGetBooking)
	s.mux.HandleFunc("POST /bookings/{id}/respond", s.handleRespond)
	s.mux.HandleFunc("POST /bookings/{id}/confirm", s.handleConfirm)
	s.mux.HandleFunc("POST /bookings/{id}/start", s.handleStart)
	s.mux.HandleFunc("POST /bookings/{id}/complete", s.handleComplete)
	s.mux.HandleFunc("POST /bookings/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /bookings/{id}/authorize", s.handleAuthorize)
	s.mux.HandleFunc("POST /bookings/{id}/disputes", s.handleOpenDispute)

	s.mux.HandleFunc("GET /payments/{id}", s.handleGetPayment)
	s.mux.HandleFunc("GET /payments/{id}/entries", s.handleLedgerEntries)
	s.mux.HandleFunc("POST /payments/{id}/capture", s.handleCapture)
	s.mux.HandleFunc("POST /payments/{id}/refund", s.handleRefund)

	s.mux.HandleFunc("GET /disputes/{id}", s.handleGetDispute)
	s.mux.HandleFunc("GET /disputes/{id}/evidence", s.handleListEvidence)
	s.mux.HandleFunc("POST /disputes/{id}/investigate", s.handleInvestigate)
	s.mux.HandleFunc("POST /disputes/{id}/evidence", s.handleAddEvidence)
	s.mux.HandleFunc("POST /disputes/{id}/resolve", s.handleResolve)
}

// Handler exposes the routed mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func StartServer(port string, srv *Server) error {
	log.GetLogger().Infof("Starting TaskHive server on :%s", port)
	return http.ListenAndServe(":"+port, srv.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "TaskHive server is running")
}

// actor extracts the caller's identity from the gateway headers.
func actor(r *http.Request) (models.Actor, error) {
	id, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
	if err != nil {
		return models.Actor{}, fmt.Errorf("missing or invalid X-Actor-ID header")
	}
	role := models.Role(r.Header.Get("X-Actor-Role"))
	switch role {
	case models.RoleClient, models.RoleTasker, models.RoleAdmin:
	default:
		return models.Actor{}, fmt.Errorf("missing or invalid X-Actor-Role header")
	}
	return models.Actor{ID: id, Role: role}, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id in path")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case service.IsValidation(err):
		status = http.StatusBadRequest
	case service.IsInvalidState(err), service.IsConflict(err):
		status = http.StatusConflict
	case service.IsExternalFailure(err):
		status = http.StatusBadGateway
	case service.IsLedgerIntegrity(err):
		log.GetLogger().Errorf("Ledger integrity violation: %v", err)
	default:
		log.GetLogger().Errorf("Unhandled service error: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type createTaskRequest struct {
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Location    models.Location `json:"location"`
	Schedule    models.Schedule `json:"schedule"`
	PriceMin    decimal.Decimal `json:"price_min"`
	PriceMax    decimal.Decimal `json:"price_max"`
	Currency    string          `json:"currency"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	task, err := s.tasks.Create(act, service.CreateTaskInput{
		Category:    req.Category,
		Description: req.Description,
		Location:    req.Location,
		Schedule:    req.Schedule,
		PriceMin:    req.PriceMin,
		PriceMax:    req.PriceMax,
		Currency:    req.Currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	task, err := s.tasks.Get(id)
	if err != nil {
		if service.IsValidation(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePostTask(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		BidMode models.BidMode `json:"bid_mode"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	task, err := s.tasks.Post(r.Context(), act, id, req.BidMode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Target models.TaskState `json:"target"`
		Reason string           `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	task, err := s.tasks.TransitionTo(act, id, req.Target, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	candidates, err := s.tasks.RefreshMatching(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if candidates == nil {
		candidates = []models.Candidate{}
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		TaskerID     uuid.UUID       `json:"tasker_id"`
		ProposedRate decimal.Decimal `json:"proposed_rate"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	booking, err := s.bookings.Offer(r.Context(), act, id, req.TaskerID, req.ProposedRate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *Server) handleSelfAccept(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		ProposedRate decimal.Decimal `json:"proposed_rate"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	booking, err := s.bookings.SelfAccept(r.Context(), act, id, req.ProposedRate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	review, err := s.tasks.SubmitReview(act, id, req.Rating, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	booking, err := s.bookings.Get(id)
	if err != nil {
		if service.IsValidation(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Accept bool `json:"accept"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	booking, err := s.bookings.Respond(r.Context(), act, id, req.Accept)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.bookingAction(w, r, s.bookings.Confirm)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.bookingAction(w, r, s.bookings.Start)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.bookingAction(w, r, s.bookings.Complete)
}

func (s *Server) bookingAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, act models.Actor, id uuid.UUID) (models.Booking, error)) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	booking, err := fn(r.Context(), act, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	booking, err := s.bookings.Cancel(r.Context(), act, id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if _, err := actor(r); err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Amount    decimal.Decimal  `json:"amount"`
		Currency  string           `json:"currency"`
		Method    string           `json:"method"`
		Breakdown models.Breakdown `json:"breakdown"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	payment, err := s.ledger.Authorize(r.Context(), id, req.Amount, req.Currency, req.Method, req.Breakdown)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	payment, err := s.ledger.Get(id)
	if err != nil {
		if service.IsValidation(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	entries, err := s.ledger.Entries(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if _, err := actor(r); err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	payment, err := s.ledger.Capture(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	if _, err := actor(r); err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	payment, err := s.ledger.Refund(r.Context(), id, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Reason           string          `json:"reason"`
		AmountInQuestion decimal.Decimal `json:"amount_in_question"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	dispute, err := s.disputes.Open(r.Context(), act, id, req.Reason, req.AmountInQuestion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispute)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	dispute, err := s.disputes.Get(id)
	if err != nil {
		if service.IsValidation(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	evidence, err := s.disputes.Evidence(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evidence)
}

func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	dispute, err := s.disputes.Investigate(r.Context(), act, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	evidence, err := s.disputes.AddEvidence(r.Context(), act, id, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, evidence)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	act, err := actor(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		RefundAmount   decimal.Decimal `json:"refund_amount"`
		ResolutionText string          `json:"resolution_text"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	dispute, err := s.disputes.Resolve(r.Context(), act, id, req.RefundAmount, req.ResolutionText)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}
