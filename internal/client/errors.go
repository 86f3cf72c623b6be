package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the store.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Type != "" {
		return fmt.Sprintf("store api: %d %s: %s", e.StatusCode, e.Type, msg)
	}
	return fmt.Sprintf("store api: %d: %s", e.StatusCode, msg)
}

// Transient reports whether the request may succeed if sent again.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseAPIError extracts the store's error description. The store answers
// with either {"error": {"type", "description"}} or {"error", "message"}.
func parseAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	var structured struct {
		Error struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &structured) == nil && structured.Error.Description != "" {
		e.Type = structured.Error.Type
		e.Message = structured.Error.Description
		return e
	}
	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &flat) == nil && (flat.Message != "" || flat.Error != "") {
		e.Type = flat.Error
		e.Message = flat.Message
		return e
	}
	e.Message = strings.TrimSpace(string(body))
	return e
}
