package httpadapter

import (
	"net/http"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound), domain.IsKind(err, domain.ErrNoCandidates):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrMethodUnavailable), domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrGenerationFailed):
		return http.StatusBadGateway
	case domain.IsKind(err, domain.ErrCancelled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
