package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmehra2102/drone-delivery/internal/order/application"
	"github.com/dmehra2102/drone-delivery/internal/order/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *domain.RejectionError
	switch {
	case errors.As(err, &re):
		writeJSON(w, http.StatusUnprocessableEntity, errorResp{
			Code:      string(re.Code),
			Message:   re.Message,
			Product:   re.Product,
			Group:     re.Group,
			Option:    re.Option,
			Requested: re.Requested,
			Available: re.Available,
		})
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrBuyerNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrStoreNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Code: "NOT_FOUND", Message: err.Error()})
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		writeJSON(w, http.StatusConflict, errorResp{Code: "INVALID_STATUS_TRANSITION", Message: err.Error()})
	case errors.Is(err, domain.ErrOrderPlacementContention), errors.Is(err, application.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Code: "CONTENTION", Message: "too many concurrent orders, try again"})
	default:
		h.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResp{Code: "INTERNAL", Message: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResp{Code: "INVALID_REQUEST", Message: msg})
}
