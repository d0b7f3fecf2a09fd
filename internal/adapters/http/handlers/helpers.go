package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/longregen/quarry/internal/adapters/http/dto"
	"github.com/longregen/quarry/internal/adapters/http/encoding"
	"github.com/longregen/quarry/internal/domain"
)

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondData writes the negotiated representation (JSON or MessagePack)
func respondData(w http.ResponseWriter, r *http.Request, data interface{}, status int) {
	if encoding.NegotiateContentType(r) == encoding.ContentTypeMsgpack {
		if err := encoding.WriteMsgpack(w, status, data); err != nil {
			log.Printf("Failed to encode msgpack response: %v", err)
		}
		return
	}
	respondJSON(w, data, status)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, errorType string, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dto.NewErrorResponse(errorType, message, status))
}

// respondUsecaseError maps domain sentinels to HTTP error responses.
// Unrecognized errors become 500s with the detail kept server-side.
func respondUsecaseError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrBadRequest) || errors.Is(err, domain.ErrEmptyContent) || errors.Is(err, domain.ErrInvalidInput):
		respondError(w, "invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrUnauthorized):
		respondError(w, "unauthorized", err.Error(), http.StatusUnauthorized)
	case errors.Is(err, domain.ErrConversationNotFound):
		respondError(w, "not_found", "Conversation not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrMessageNotFound):
		respondError(w, "not_found", "Message not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrNotFound) || errors.Is(err, pgx.ErrNoRows):
		respondError(w, "not_found", "Resource not found", http.StatusNotFound)
	default:
		log.Printf("HTTP 500: %s: %v", fallback, err)
		respondError(w, "internal_error", fallback, http.StatusInternalServerError)
	}
}

// parseIntQuery parses an integer query parameter with a default value
func parseIntQuery(r *http.Request, name string, defaultValue int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// validateURLParam validates and returns a URL parameter
func validateURLParam(r *http.Request, w http.ResponseWriter, paramName, errorField string) (string, bool) {
	value := chi.URLParam(r, paramName)
	if value == "" {
		respondError(w, "invalid_request", errorField+" is required", http.StatusBadRequest)
		return "", false
	}
	return value, true
}

// decodeRequest decodes the request body (JSON, or MessagePack when the
// Content-Type says so) with a 1MB size limit
func decodeRequest[T any](r *http.Request, w http.ResponseWriter) (*T, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024)

	var req T
	if strings.Contains(r.Header.Get("Content-Type"), encoding.ContentTypeMsgpack) {
		if err := encoding.ReadMsgpack(r, &req); err != nil {
			respondError(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
			return nil, false
		}
		return &req, true
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}
