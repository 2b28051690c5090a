package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/units"
)

// maxBodyBytes bounds request bodies; every API payload is a small object.
const maxBodyBytes = 1 << 16

// errorResponse is the body of every non-2xx response. Kind is the engine
// error taxonomy name when the failure came from the engine.
type errorResponse struct {
	Error string          `json:"error"`
	Kind  string          `json:"kind,omitempty"`
	Run   *domain.RunJSON `json:"run,omitempty"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps err onto a status code through the engine error
// taxonomy. Internal errors are logged and their text withheld.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, status, "internal server error")
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: domain.ErrorKind(err)})
}

// statusFor returns the HTTP status for an error of the engine taxonomy.
func statusFor(err error) int {
	switch domain.ErrorKind(err) {
	case "Unauthorized", "UnauthorizedCallback":
		return http.StatusForbidden
	case "MalformedRequest", "InvalidTolerance", "DeadlineInPast", "ZeroAmount":
		return http.StatusBadRequest
	case "LockHeld", "InsufficientBalance":
		return http.StatusConflict
	case "DeadlineExceeded", "SlippageViolation", "UnprofitableArbitrage",
		"ArithmeticOverflow", "RepaymentTransferFailed", "VenueCallFailed":
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, domain.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// decodeBody reads a JSON object into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("handler: decode body: %w: %v", domain.ErrMalformedRequest, err)
	}
	return nil
}

// parseLimit reads ?limit= with a default of 50 and a ceiling of 500.
func parseLimit(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

// resolveToken accepts a registered symbol ("WETH") or a hex address of a
// registered token.
func resolveToken(reg *units.Registry, s string) (units.Token, error) {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		if t, ok := reg.Lookup(common.HexToAddress(s)); ok {
			return t, nil
		}
	} else if t, ok := reg.BySymbol(s); ok {
		return t, nil
	}
	return units.Token{}, fmt.Errorf("handler: unknown token %q: %w", s, domain.ErrMalformedRequest)
}

// parseAmount converts a human amount of t into base units.
func parseAmount(t units.Token, amount string) (*uint256.Int, error) {
	v, err := units.ToBase(strings.TrimSpace(amount), t.Decimals)
	if err != nil {
		return nil, fmt.Errorf("handler: amount %q of %s: %w", amount, t.Symbol, domain.ErrMalformedRequest)
	}
	return v, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
