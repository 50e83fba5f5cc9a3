package alertapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/linnemanlabs/remedy/internal/ingest"
)

// maxAlertBody bounds the accepted webhook payload size.
const maxAlertBody = 1 << 20

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBody))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, ingest.CodeInvalidPayload, "unreadable body")
		return
	}

	res, err := a.pipe.Submit(r.Context(), body, r.URL.Query().Get("source"))
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			a.writeError(w, http.StatusBadRequest, verr.Code, verr.Error())
			return
		}
		a.logger.Error(r.Context(), err, "alert submission failed")
		a.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	// 202: the payload is validated and routed, remediation runs async.
	a.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":         "accepted",
		"correlation_id": res.CorrelationID,
		"incident_ids":   res.IncidentIDs,
		"incident_count": len(res.IncidentIDs),
	})
}
