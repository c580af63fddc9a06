package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/John-Robertt/subpipe/internal/model"
)

type errorResponse struct {
	Error model.Diagnostic `json:"error"`
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeError(w http.ResponseWriter, status int, d model.Diagnostic) {
	metricsIncAppError(d.Stage, d.Code)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: d})
}
