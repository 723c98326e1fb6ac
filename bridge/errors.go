package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/elnormous/contenttype"
)

var (
	// ErrClosed is returned by runtime control calls after Close.
	ErrClosed = errors.New("bridge closed")
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const jsonContentType = "application/json; charset=utf-8"

// ErrorCode classifies bridge failures on the wire.
type ErrorCode string

const (
	CodeInvalidRequest       ErrorCode = "invalid_request"
	CodeRouteNotFound        ErrorCode = "route_not_found"
	CodeRuntimeStartFailed   ErrorCode = "runtime_start_failed"
	CodeRuntimeControlFailed ErrorCode = "runtime_control_failed"
	CodeRuntimeUnavailable   ErrorCode = "runtime_unavailable"
	CodeBridgeProxyFailed    ErrorCode = "bridge_proxy_failed"
)

// ErrorPayload is the error object of an ErrorResponse.
type ErrorPayload struct {
	Code      ErrorCode      `json:"code" jsonschema:"enum=invalid_request,enum=route_not_found,enum=runtime_start_failed,enum=runtime_control_failed,enum=runtime_unavailable,enum=bridge_proxy_failed"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the body of every non-2xx bridge response.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Error   ErrorPayload `json:"error"`
}

func newErrorResponse(code ErrorCode, msg string, retryable bool, details map[string]any) ErrorResponse {
	return ErrorResponse{
		Success: false,
		Message: msg,
		Error: ErrorPayload{
			Code:      code,
			Message:   msg,
			Retryable: retryable,
			Details:   details,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, msg string, retryable bool, details map[string]any) {
	writeJSON(w, status, newErrorResponse(code, msg, retryable, details))
}

// rejectUpgrade answers an event-channel upgrade with 426 on the raw
// connection, so the WebSocket layer never sees it. The response is flushed
// before the connection is closed.
func rejectUpgrade(w http.ResponseWriter, subprotocol string) error {
	msg := fmt.Sprintf("Unsupported WebSocket subprotocol. Include Sec-WebSocket-Protocol: %s.", subprotocol)
	body, err := json.Marshal(newErrorResponse(CodeInvalidRequest, msg, false, map[string]any{
		"wsSubprotocol": subprotocol,
	}))
	if err != nil {
		return err
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		w.Header().Set("Connection", "close")
		writeJSON(w, http.StatusUpgradeRequired, json.RawMessage(body))
		return nil
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("hijack: %w", err)
	}
	defer conn.Close()

	_, _ = buf.WriteString("HTTP/1.1 426 Upgrade Required\r\n")
	_, _ = buf.WriteString("Connection: close\r\n")
	_, _ = buf.WriteString("Content-Type: " + jsonContentType + "\r\n")
	_, _ = buf.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	_, _ = buf.WriteString("\r\n")
	_, _ = buf.Write(body)
	return buf.Flush()
}
