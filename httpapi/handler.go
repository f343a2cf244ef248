package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/codegate"
	"github.com/MrEthical07/codegate/middleware"
	"github.com/MrEthical07/codegate/password"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 4 << 10

// FlowEngine is the part of *codegate.Engine the handlers call.
type FlowEngine interface {
	StartFlow(ctx context.Context, purpose codegate.Purpose, identifier string) (codegate.FlowResult, error)
	SubmitCode(ctx context.Context, flowID, code string) (codegate.FlowResult, error)
	ResendCode(ctx context.Context, flowID string) (codegate.FlowResult, error)
	CompleteAction(ctx context.Context, flowID string, action codegate.Action) (codegate.FlowResult, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	engine        FlowEngine
	metrics       http.Handler
	logger        zerolog.Logger
	trustedHeader string
}

type Option func(*Handler)

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(hd *Handler) {
		hd.metrics = h
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(hd *Handler) {
		hd.logger = logger
	}
}

// WithTrustedProxyHeader reads the client address from header, e.g.
// X-Forwarded-For, instead of the connection.
func WithTrustedProxyHeader(header string) Option {
	return func(hd *Handler) {
		hd.trustedHeader = header
	}
}

func New(engine FlowEngine, opts ...Option) *Handler {
	h := &Handler{
		engine: engine,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the flow API mux wrapped in the client IP middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /flows", h.startFlow)
	mux.HandleFunc("POST /flows/{id}/code", h.submitCode)
	mux.HandleFunc("POST /flows/{id}/resend", h.resendCode)
	mux.HandleFunc("POST /flows/{id}/complete", h.completeAction)
	mux.HandleFunc("GET /healthz", h.healthz)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return middleware.ClientIP(h.trustedHeader)(mux)
}

type startFlowRequest struct {
	Purpose    string `json:"purpose"`
	Identifier string `json:"identifier"`
}

type submitCodeRequest struct {
	Code string `json:"code"`
}

type completeActionRequest struct {
	Action      string `json:"action"`
	NewPassword string `json:"new_password,omitempty"`
}

type flowResponse struct {
	FlowID          string     `json:"flow_id,omitempty"`
	Purpose         string     `json:"purpose"`
	Step            string     `json:"step"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	ResendInSeconds int        `json:"resend_in_seconds,omitempty"`
}

func (h *Handler) startFlow(w http.ResponseWriter, r *http.Request) {
	var req startFlowRequest
	if !decode(w, r, &req) {
		return
	}
	purpose, err := codegate.ParsePurpose(req.Purpose)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.engine.StartFlow(r.Context(), purpose, req.Identifier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toFlowResponse(result))
}

func (h *Handler) submitCode(w http.ResponseWriter, r *http.Request) {
	var req submitCodeRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.engine.SubmitCode(r.Context(), r.PathValue("id"), req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowResponse(result))
}

func (h *Handler) resendCode(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ResendCode(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowResponse(result))
}

func (h *Handler) completeAction(w http.ResponseWriter, r *http.Request) {
	var req completeActionRequest
	if !decode(w, r, &req) {
		return
	}

	var action codegate.Action
	switch req.Action {
	case "set_password":
		// checked before the flow is consumed
		if n := len(req.NewPassword); n < password.MinPasswordBytes || n > password.MaxPasswordBytes {
			writeProblem(w, http.StatusBadRequest, "invalid_password", "password does not meet the length policy")
			return
		}
		action = codegate.SetPassword{NewPassword: req.NewPassword}
	case "confirm_account":
		action = codegate.ConfirmAccount{}
	default:
		writeProblem(w, http.StatusBadRequest, "invalid_request", "unknown action")
		return
	}

	result, err := h.engine.CompleteAction(r.Context(), r.PathValue("id"), action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowResponse(result))
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toFlowResponse(result codegate.FlowResult) flowResponse {
	out := flowResponse{
		FlowID:  result.FlowID,
		Purpose: result.Purpose.String(),
		Step:    result.Step.String(),
	}
	if !result.CooldownUntil.IsZero() {
		until := result.CooldownUntil.UTC()
		out.CooldownUntil = &until
	}
	if result.ResendIn > 0 {
		out.ResendInSeconds = ceilSeconds(result.ResendIn)
	}
	return out
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cooldown *codegate.CooldownError
	if errors.As(err, &cooldown) {
		seconds := ceilSeconds(cooldown.Remaining)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, problem{
			Error:          "resend_cooldown",
			Message:        "wait before requesting another code",
			RetryInSeconds: seconds,
		})
		return
	}

	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("route", r.Pattern).
			Int("status", status).
			Msg("flow request failed")
	}
	writeProblem(w, status, code, message)
}

// classify maps engine errors to fixed public responses.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, codegate.ErrInvalidIdentifier),
		errors.Is(err, codegate.ErrInvalidCodeFormat),
		errors.Is(err, codegate.ErrInvalidPurpose):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, codegate.ErrActionMismatch):
		return http.StatusBadRequest, "action_mismatch", "action not allowed for this flow"
	case errors.Is(err, codegate.ErrChallengeInvalid):
		return http.StatusUnprocessableEntity, "code_invalid", "code is invalid or expired"
	case errors.Is(err, codegate.ErrCouldNotProceed):
		return http.StatusUnprocessableEntity, "could_not_proceed", "could not proceed"
	case errors.Is(err, codegate.ErrFlowNotFound):
		return http.StatusNotFound, "flow_not_found", "flow not found or expired"
	case errors.Is(err, codegate.ErrFlowStep):
		return http.StatusConflict, "flow_step", "flow is not at this step"
	case errors.Is(err, codegate.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "too many requests"
	case errors.Is(err, codegate.ErrDeliveryFailed):
		return http.StatusBadGateway, "delivery_failed", "could not send the code"
	case errors.Is(err, codegate.ErrActionFailed):
		return http.StatusInternalServerError, "action_failed", "action failed, start again"
	case errors.Is(err, codegate.ErrUnavailable), errors.Is(err, codegate.ErrEngineNotReady):
		return http.StatusServiceUnavailable, "unavailable", "service unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

type problem struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	RetryInSeconds int    `json:"retry_in_seconds,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, problem{Error: code, Message: message})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
