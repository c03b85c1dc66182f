// Package httpserver contains the HTTP handlers and middleware of the
// ingress API: task creation, task lookup, the inline tagging endpoint and
// the health probes.
package httpserver

import (
	"encoding/json"
	"net/http"
)

// Body statuses of the response envelope. Transport status is always 200 on
// the task endpoints; callers read the outcome from the body.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// envelope is the uniform response body of the task endpoints.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEnvelope(w http.ResponseWriter, status, message, taskID string, data any) {
	if data == nil {
		data = map[string]any{}
	}
	writeJSON(w, http.StatusOK, envelope{Status: status, Message: message, TaskID: taskID, Data: data})
}

func writeSuccess(w http.ResponseWriter, message, taskID string, data any) {
	writeEnvelope(w, statusSuccess, message, taskID, data)
}

func writeFailure(w http.ResponseWriter, message, taskID string) {
	writeEnvelope(w, statusError, message, taskID, nil)
}
