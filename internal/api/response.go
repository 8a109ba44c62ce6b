package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON sends a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// detail is the error body shape: {"detail": "..."}.
type detail struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, detail{Detail: message})
}

func badRequest(w http.ResponseWriter, message string) {
	writeDetail(w, http.StatusBadRequest, message)
}

func notFound(w http.ResponseWriter, message string) {
	writeDetail(w, http.StatusNotFound, message)
}

func internalError(w http.ResponseWriter, message string) {
	writeDetail(w, http.StatusInternalServerError, message)
}
