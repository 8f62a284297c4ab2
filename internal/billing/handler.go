package billing

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"loops/api/internal/logging"
	"loops/api/internal/store"
	"loops/api/internal/validation"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Webhook-Secret"

type applier interface {
	Apply(ctx context.Context, ev Event) error
}

// Handler receives webhook deliveries. Responses follow the usual provider
// contract: 2xx acknowledges, 5xx asks for redelivery.
type Handler struct {
	applier  applier
	secret   string
	log      *zap.Logger
	validate *validator.Validate
}

func NewHandler(a applier, secret string, log *zap.Logger, v *validator.Validate) *Handler {
	if v == nil {
		v = validation.New()
	}
	return &Handler{applier: a, secret: secret, log: logging.OrNop(log), validate: v}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(SecretHeader)
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		h.log.Warn("billing webhook rejected: bad secret", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
		return
	}

	var ev Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ev); err != nil {
		h.log.Error("failed to decode billing event", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
		return
	}
	if err := h.validate.Struct(ev); err != nil {
		h.log.Warn("billing event validation failed", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, validation.Details(err))
		return
	}

	err := h.applier.Apply(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, ErrDuplicateEvent):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, ErrUnsupportedEvent):
		h.log.Info("billing event ignored", zap.String("type", string(ev.Type)))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, ErrUnknownUser):
		h.log.Warn("billing event for unknown user", zap.String("user_id", ev.UserID))
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case store.IsConnectivity(err), errors.Is(err, store.ErrConflict):
		h.log.Error("billing event not applied, requesting redelivery", zap.String("event_id", ev.ID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
	default:
		h.log.Error("billing event failed", zap.String("event_id", ev.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
