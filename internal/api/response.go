package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/apperrors"
)

type errorBody struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
	Details any            `json:"details,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError maps err onto its HTTP status. Internal and transient
// causes are replaced by the code's public message.
func (h *Handler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	typed := apperrors.As(err)
	if typed == nil {
		typed = apperrors.Wrap(apperrors.CodeInternal, err, "unexpected error")
	}
	meta := apperrors.MetadataFor(typed.Code())

	body := errorBody{Code: typed.Code(), Message: typed.Message(), Details: typed.Details()}
	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"code":   typed.Code(),
	})
	switch meta.Kind {
	case apperrors.KindInternal, apperrors.KindTransient:
		entry.Error("Request failed")
		body.Message = meta.PublicMessage
		body.Details = nil
	default:
		entry.Debug("Request rejected")
	}

	respondWithJSON(w, meta.HTTPStatus, map[string]interface{}{
		"success": false,
		"error":   body,
	})
}
