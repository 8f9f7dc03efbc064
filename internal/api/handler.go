package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yitingw/shiftpulse/internal/escalate"
	"github.com/yitingw/shiftpulse/internal/metrics"
	"github.com/yitingw/shiftpulse/internal/push"
	"github.com/yitingw/shiftpulse/internal/redis"
)

// Dispatcher fans one notification event out to its recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, req push.Request) (*push.Report, error)
}

// Scanner runs one escalation pass over open attendance sessions.
type Scanner interface {
	Scan(ctx context.Context) (*escalate.ScanReport, error)
}

// EventKind selects the per-event defaults applied to a notify request.
// All kinds share one dispatch path; only the defaults differ.
type EventKind string

const (
	EventTodo     EventKind = "todo"
	EventCalendar EventKind = "calendar"
	EventSchedule EventKind = "schedule"
)

type eventDefaults struct {
	title string
	body  string
	route string
}

var defaultsByKind = map[EventKind]eventDefaults{
	EventTodo:     {"新通知", "您有一則新通知", "/todoList"},
	EventCalendar: {"新行程通知", "您有一個新的行事曆活動", "/personalSchedule"},
	EventSchedule: {"班表異動通知", "您的班表有新的變動。", "/scheduleView"},
}

// NotifyRequest is the incoming notify-event body.
type NotifyRequest struct {
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	TargetUserIDs []string `json:"target_user_ids"`
	Route         string   `json:"route"`
	ShopID        string   `json:"shop_id"`
}

// NotifyResponse summarizes the dispatch for the caller.
type NotifyResponse struct {
	Recipients int `json:"recipients"`
	Devices    int `json:"devices"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	dispatcher  Dispatcher
	scanner     Scanner
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, dispatcher Dispatcher, scanner Scanner) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: dispatcher,
		scanner:    scanner,
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, dispatcher Dispatcher, scanner Scanner, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		dispatcher:  dispatcher,
		scanner:     scanner,
		idempotency: idempotency,
	}
}

// Notify returns the handler for POST /v1/notify/{kind}. The three event
// kinds share this path; only the defaults differ. Supports replay
// protection via the Idempotency-Key header.
func (h *Handler) Notify(kind EventKind) http.HandlerFunc {
	defaults := defaultsByKind[kind]

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idempotencyKey := r.Header.Get("Idempotency-Key")

		var req NotifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}

		if req.ShopID == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing shop_id", "shop_id is required")
			return
		}

		shopID, err := uuid.Parse(req.ShopID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid shop_id", "shop_id must be a valid UUID")
			return
		}

		recipients := make([]uuid.UUID, 0, len(req.TargetUserIDs))
		for _, raw := range req.TargetUserIDs {
			userID, err := uuid.Parse(raw)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid target_user_ids", "every target user id must be a valid UUID")
				return
			}
			recipients = append(recipients, userID)
		}

		// An empty target set is a no-op, not an error.
		if len(recipients) == 0 {
			h.writeJSON(w, http.StatusOK, NotifyResponse{})
			return
		}

		if idempotencyKey != "" && h.idempotency != nil {
			cached, err := h.idempotency.CheckOrReserve(ctx, req.ShopID, idempotencyKey)

			if err != nil {
				if errors.Is(err, redis.ErrDuplicateRequest) {
					h.writeError(w, http.StatusConflict, "duplicate_request",
						"Request is already being processed",
						"Another request with this idempotency key is in progress")
					return
				}
				h.logger.Warn("idempotency check failed, proceeding",
					zap.Error(err),
					zap.String("idempotency_key", idempotencyKey),
				)
			} else if cached != nil {
				metrics.RecordIdempotencyHit()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}
		}

		title := req.Title
		if title == "" {
			title = defaults.title
		}
		body := req.Body
		if body == "" {
			body = defaults.body
		}
		route := req.Route
		if route == "" {
			route = defaults.route
		}

		report, err := h.dispatcher.Dispatch(ctx, push.Request{
			Recipients: recipients,
			Title:      title,
			Body:       body,
			Route:      route,
			ShopID:     shopID,
		})
		if err != nil {
			h.logger.Error("dispatch failed",
				zap.Error(err),
				zap.String("kind", string(kind)),
				zap.String("shop_id", req.ShopID),
			)
			h.writeError(w, http.StatusBadGateway, "push_provider_error", "Failed to dispatch notifications", "")
			return
		}

		resp := NotifyResponse{
			Recipients: report.Recipients,
			Devices:    report.Devices,
			Delivered:  report.Delivered,
			Failed:     len(report.Failures),
		}

		h.logger.Info("notify event dispatched",
			zap.String("kind", string(kind)),
			zap.String("shop_id", req.ShopID),
			zap.Int("recipients", resp.Recipients),
			zap.Int("delivered", resp.Delivered),
		)

		if idempotencyKey != "" && h.idempotency != nil {
			respBody, _ := json.Marshal(resp)
			result := &redis.IdempotencyResult{
				StatusCode: http.StatusOK,
				Body:       respBody,
			}
			if err := h.idempotency.Store(ctx, req.ShopID, idempotencyKey, result); err != nil {
				h.logger.Warn("failed to store idempotency result",
					zap.Error(err),
					zap.String("idempotency_key", idempotencyKey),
				)
			}
		}

		h.writeJSON(w, http.StatusOK, resp)
	}
}

// ScanAttendance handles POST /v1/attendance/scan. External schedulers hit
// this on a fixed cadence; each call is one independent, stateless scan.
func (h *Handler) ScanAttendance(w http.ResponseWriter, r *http.Request) {
	report, err := h.scanner.Scan(r.Context())
	if err != nil {
		h.logger.Error("attendance scan failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "scan_error", "Attendance scan failed", "")
		return
	}

	h.logger.Info("attendance scan completed",
		zap.Int("sessions", report.Sessions),
		zap.Int("fired", report.Fired),
	)

	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
