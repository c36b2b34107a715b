package api

import (
	"errors"
	"net/http"
	"strconv"

	"oneshot.link/internal/lifecycle"
	"oneshot.link/internal/logger"
)

// retryAfterSeconds is sent with 503 responses.
const retryAfterSeconds = 5

// errorStatusMap lists lifecycle errors whose message is safe to return
// verbatim. Order matters for wrapped errors, so it is a slice.
var errorStatusMap = []struct {
	err    error
	status int
}{
	{lifecycle.ErrPassphraseRequired, http.StatusForbidden},
	{lifecycle.ErrPassphraseInvalid, http.StatusForbidden},
}

// lifecycleError writes the response for an error returned by the
// lifecycle. Missing, consumed and expired secrets are indistinguishable to
// the caller and all use notFound as message.
func (h *Handler) lifecycleError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	status, message := statusFromError(err, notFound)

	log := logger.FromRequest(r)
	switch status {
	case http.StatusServiceUnavailable:
		log.Err(err).Msg("store unavailable")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	case http.StatusInternalServerError:
		log.Err(err).Msg("request failed")
	}

	h.error(w, status, message)
}

func statusFromError(err error, notFound string) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, lifecycle.ErrAlreadyConsumed):
		return http.StatusNotFound, notFound
	case errors.Is(err, lifecycle.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	}

	for _, e := range errorStatusMap {
		if errors.Is(err, e.err) {
			// ErrLocked reads as an incorrect passphrase
			return e.status, e.err.Error()
		}
	}
	return http.StatusInternalServerError, "internal error"
}
