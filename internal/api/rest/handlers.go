package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/domain/errors"
	"github.com/davidleathers/call-verification-engine/internal/infrastructure/events"
	"github.com/davidleathers/call-verification-engine/internal/service/autoqueue"
	"github.com/davidleathers/call-verification-engine/internal/service/calldriver"
)

// QueueController is the scheduler surface the API exposes.
type QueueController interface {
	Start() (uuid.UUID, error)
	Stop()
	Status() autoqueue.Snapshot
}

// EventIngester accepts asynchronous provider events.
type EventIngester interface {
	OnProviderEvent(ctx context.Context, event call.Event) error
}

// CallRegistry serves call snapshots and live subscriptions.
type CallRegistry interface {
	ActiveCalls() []*call.Session
	Call(callSID string) (*call.Session, bool)
	Subscribe(callSID string) *events.Subscription
	SubscribeAll() *events.Subscription
}

// CallHistory lists past attempts for a verification.
type CallHistory interface {
	History(ctx context.Context, verificationID string) ([]*calldriver.CallLog, error)
}

// ModeAdmin is the runtime simulate/live toggle surface.
type ModeAdmin interface {
	SetOverride(ctx context.Context, simulate bool) error
	ClearOverride(ctx context.Context) error
}

// ModeReader reports the effective mode.
type ModeReader interface {
	Simulate(ctx context.Context) bool
}

// Pinger is a health-checkable dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the route implementations and their collaborators.
type Handler struct {
	queue    QueueController
	driver   EventIngester
	registry CallRegistry
	history  CallHistory
	modeRW   ModeAdmin
	mode     ModeReader
	db       Pinger
	logger   *slog.Logger
	validate *validator.Validate
	wsConfig WebSocketConfig
}

func NewHandler(
	queue QueueController,
	driver EventIngester,
	registry CallRegistry,
	history CallHistory,
	modeRW ModeAdmin,
	mode ModeReader,
	db Pinger,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		queue:    queue,
		driver:   driver,
		registry: registry,
		history:  history,
		modeRW:   modeRW,
		mode:     mode,
		db:       db,
		logger:   logger,
		validate: validator.New(),
		wsConfig: DefaultWebSocketConfig(),
	}
}

// RegisterRoutes wires all non-metrics routes onto the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/queue/start", h.startQueue)
	mux.HandleFunc("POST /api/v1/queue/stop", h.stopQueue)
	mux.HandleFunc("GET /api/v1/queue/status", h.queueStatus)
	mux.HandleFunc("GET /api/v1/calls/active", h.activeCalls)
	mux.HandleFunc("GET /api/v1/calls/{call_sid}", h.callDetail)
	mux.HandleFunc("GET /api/v1/verifications/{verification_id}/calls", h.callHistory)
	mux.HandleFunc("POST /api/v1/webhooks/telephony", h.telephonyWebhook)
	mux.HandleFunc("GET /api/v1/mode", h.getMode)
	mux.HandleFunc("PUT /api/v1/mode", h.putMode)
	mux.HandleFunc("GET /ws/calls", h.callFeed)
	mux.HandleFunc("GET /healthz", h.healthz)
}

func (h *Handler) startQueue(w http.ResponseWriter, r *http.Request) {
	batchID, err := h.queue.Start()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"status":   h.queue.Status(),
	})
}

func (h *Handler) stopQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Stop()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": h.queue.Status(),
	})
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.queue.Status())
}

func (h *Handler) activeCalls(w http.ResponseWriter, r *http.Request) {
	calls := h.registry.ActiveCalls()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(calls),
		"calls": calls,
	})
}

func (h *Handler) callDetail(w http.ResponseWriter, r *http.Request) {
	callSID := r.PathValue("call_sid")
	session, ok := h.registry.Call(callSID)
	if !ok {
		h.writeError(w, errors.NewNotFoundError("call"))
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

func (h *Handler) callHistory(w http.ResponseWriter, r *http.Request) {
	verificationID := r.PathValue("verification_id")
	logs, err := h.history.History(r.Context(), verificationID)
	if err != nil {
		h.writeError(w, errors.NewInternalError("could not load call history").WithCause(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"verification_id": verificationID,
		"count":           len(logs),
		"calls":           logs,
	})
}

// telephonyEventRequest is the provider callback payload.
type telephonyEventRequest struct {
	CallSID        string    `json:"call_sid" validate:"required"`
	VerificationID string    `json:"verification_id"`
	EventType      string    `json:"event_type" validate:"required,oneof=queued ringing in_progress outcome timeout"`
	Result         string    `json:"result"`
	Summary        string    `json:"summary"`
	Timestamp      time.Time `json:"timestamp"`
}

func (h *Handler) telephonyWebhook(w http.ResponseWriter, r *http.Request) {
	var req telephonyEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_PAYLOAD", "malformed event payload"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_PAYLOAD", err.Error()))
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	ev := call.Event{
		CallSID:        req.CallSID,
		VerificationID: req.VerificationID,
		Type:           req.EventType,
		Result:         req.Result,
		Summary:        req.Summary,
		Timestamp:      req.Timestamp,
	}
	if err := h.driver.OnProviderEvent(r.Context(), ev); err != nil {
		h.writeError(w, err)
		return
	}
	// Providers retry non-2xx responses; duplicates are absorbed upstream.
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Handler) getMode(w http.ResponseWriter, r *http.Request) {
	simulate := h.mode.Simulate(r.Context())
	modeLabel := "live"
	if simulate {
		modeLabel = "simulated"
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"simulate": simulate,
		"mode":     modeLabel,
	})
}

// modeRequest toggles the runtime override. Omitting simulate clears the
// override, restoring the deployment default.
type modeRequest struct {
	Simulate *bool `json:"simulate"`
}

func (h *Handler) putMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_PAYLOAD", "malformed mode payload"))
		return
	}

	var err error
	if req.Simulate == nil {
		err = h.modeRW.ClearOverride(r.Context())
	} else {
		err = h.modeRW.SetOverride(r.Context(), *req.Simulate)
	}
	if err != nil {
		h.writeError(w, errors.NewInternalError("could not update mode override").WithCause(err))
		return
	}
	h.getMode(w, r)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"reason": "database unreachable",
			})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.NewInternalError("internal error").WithCause(err)
	}
	if appErr.StatusCode >= 500 {
		h.logger.Error("request failed", "code", appErr.Code, "error", err)
	}
	h.writeJSON(w, appErr.StatusCode, map[string]any{
		"error": map[string]any{
			"type":    appErr.Type,
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		},
	})
}
