package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rzbill/chorus/internal/errs"
)

// Helper functions for common HTTP responses

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeCreated writes a 201 Created response with a JSON body.
func writeCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(data)
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeFailure maps err onto a status code by its class.
func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnknownChannel), errors.Is(err, errs.ErrUnknownPeer), errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrKeyConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	switch errs.ClassOf(err) {
	case errs.Invalid:
		return http.StatusBadRequest
	case errs.Security:
		return http.StatusForbidden
	case errs.Fatal:
		return http.StatusInternalServerError
	}
	return http.StatusServiceUnavailable
}

// parseLimit parses a limit string and returns a valid limit value.
//
// Returns def for empty strings or invalid values, and never more than ceiling.
func parseLimit(limitStr string, def, ceiling int) int {
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

// parsePosition parses a log position query value. Empty means zero.
func parsePosition(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
