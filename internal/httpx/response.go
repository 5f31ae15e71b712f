// Package httpx holds the JSON response helpers shared by handlers and middleware.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/storyboard-ai/backend/internal/ledger"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// KindInternal is used only for panics and encoding failures.
const KindInternal = "Internal"

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, kind, message string) {
	WriteJSON(w, status, ErrorBody{Kind: kind, Message: message})
}

// StatusFor maps a ledger error kind to its HTTP status.
func StatusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindUnknownModel, ledger.KindInvalidRequest:
		return http.StatusBadRequest
	case ledger.KindUnauthenticated:
		return http.StatusUnauthorized
	case ledger.KindInsufficientCredits:
		return http.StatusPaymentRequired
	default:
		return http.StatusServiceUnavailable
	}
}

// WriteLedgerError classifies err and writes the matching status and body.
func WriteLedgerError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	WriteError(w, StatusFor(kind), string(kind), messageFor(kind, err))
}

// messageFor keeps backend details out of StorageUnavailable responses.
func messageFor(kind ledger.Kind, err error) string {
	if kind == ledger.KindStorageUnavailable {
		return "credit storage is temporarily unavailable, retry later"
	}
	return err.Error()
}
