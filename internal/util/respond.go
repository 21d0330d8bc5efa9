package util

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// JSONWriter writes JSON responses. A body that cannot be encoded is replaced by
// a fallback error body, pre-marshaled so the replacement itself cannot fail.
type JSONWriter struct {
	name     string
	fallback []byte
}

// NewJSONWriter creates a writer whose log lines are tagged with name. It panics if
// fallback cannot be marshaled, which is a programming error caught at startup.
func NewJSONWriter(name string, fallback interface{}) *JSONWriter {
	data, err := json.Marshal(fallback)
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
	return &JSONWriter{name: name, fallback: data}
}

// Write sends body with the given status code.
func (jw *JSONWriter) Write(w http.ResponseWriter, statusCode int, body interface{}) {
	// Marshal first so an encoding error can still change the status code
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error(jw.name+": failed to marshal JSON response", "error", err)
		data = jw.fallback
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(data); writeErr != nil {
		slog.Error(jw.name+": failed to write JSON response", "error", writeErr)
	}
}
