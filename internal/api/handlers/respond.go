package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/wonny/usef/backend/internal/contracts"
	"github.com/wonny/usef/backend/internal/ptu"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondRunError maps a coordinator error to a status code. Business
// errors are the caller's fault; everything else is ours.
func respondRunError(w http.ResponseWriter, err error) {
	if be, ok := contracts.AsBusinessError(err); ok {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": be.Message,
			"code":  string(be.Code),
		})
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

// parseOptionalDate parses s, returning the zero Date for an empty string
func parseOptionalDate(s string) (ptu.Date, error) {
	if s == "" {
		return ptu.Date{}, nil
	}
	return ptu.ParseDate(s)
}
