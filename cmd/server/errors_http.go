package main

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/brunobiangulo/pricebot"
	"github.com/brunobiangulo/pricebot/whatsapp"
)

// writeAPIError maps any error to the {detail} body and status code of
// spec §7's error kind table, via errors.As rather than string-matching.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr *pricebot.APIError
	if errors.As(err, &apiErr) {
		body := map[string]interface{}{"detail": apiErr.Detail}
		if apiErr.Kind == pricebot.KindRateLimited && apiErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", itoa(apiErr.RetryAfter))
		}
		writeJSON(w, apiErr.Status, body)
		return
	}

	var rl *whatsapp.ErrRateLimited
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", itoa(int(rl.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "rate limited"})
		return
	}

	switch {
	case errors.Is(err, pricebot.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "not found"})
	case errors.Is(err, pricebot.ErrInvalidRequest):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
	case errors.Is(err, pricebot.ErrUnsupportedFileType):
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
	case errors.Is(err, whatsapp.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "unauthorized"})
	case errors.Is(err, whatsapp.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "forbidden"})
	case errors.Is(err, whatsapp.ErrServiceUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "whatsapp ingest is not configured"})
	default:
		slog.Error("unmapped handler error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
	}
}

func pricebotUnauthorized(detail string) error {
	return pricebot.NewAPIError(pricebot.KindUnauthorized, http.StatusUnauthorized, detail)
}

func pricebotInvalid(detail string) error {
	return pricebot.NewAPIError(pricebot.KindInvalidRequest, http.StatusUnprocessableEntity, detail)
}

// pricebotMalformedJSON reports a request body that failed to parse as
// JSON at all, distinct from a well-formed body that fails field
// validation: spec §4.8/§7 reserve 400 for this case and 422 for the
// empty-batch case pricebotInvalid already covers.
func pricebotMalformedJSON(detail string) error {
	return pricebot.NewAPIError(pricebot.KindInvalidRequest, http.StatusBadRequest, detail)
}

func pricebotNotFound(detail string) error {
	return pricebot.NewAPIError(pricebot.KindNotFound, http.StatusNotFound, detail)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
