package gwsim

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/gateway-probe/internal/wire"
)

const replyText = "This is a simulated response."

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	list := wire.ModelInfoList{Data: make([]wire.ModelInfo, 0, len(s.models))}
	for _, m := range s.models {
		list.Data = append(list.Data, wire.ModelInfo{ModelName: m})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		ok, remaining, reset := s.limiter.Allow()
		setRateLimitHeaders(w, s.limiter.limit, remaining, reset)
		if !ok {
			w.Header().Set("Retry-After", retryAfterSeconds(reset))
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
			return
		}
	}

	var req wire.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// The wording deliberately avoids mentioning request metadata so
		// a body rejection is never mistaken for a forwarding problem
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	if req.MaxTokens < 1 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "max_tokens must be at least 1")
		return
	}

	servedModel := req.Model
	if s.failEvery > 0 && s.requestCount.Add(1)%int64(s.failEvery) == 0 {
		if s.fallbackModel == "" {
			writeError(w, http.StatusBadGateway, "api_error", "upstream deployment unavailable")
			return
		}
		servedModel = s.fallbackModel
	}

	if req.Stream {
		s.streamCompletion(w, req, servedModel)
		return
	}

	writeJSON(w, http.StatusOK, s.completion(req, servedModel))
}

// completion builds a full response attributed to servedModel.
func (s *Server) completion(req wire.MessagesRequest, servedModel string) wire.MessagesResponse {
	var input int
	for _, m := range req.Messages {
		input += countTokens(m.Content)
	}

	return wire.MessagesResponse{
		ID:         "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:       "message",
		Role:       "assistant",
		Content:    []wire.ContentBlock{{Type: "text", Text: replyText}},
		Model:      servedModel,
		StopReason: "end_turn",
		Usage: wire.Usage{
			InputTokens:  input,
			OutputTokens: countTokens(replyText),
		},
	}
}

// streamCompletion writes the response as SSE frames: message_start,
// one delta per word, message_stop.
func (s *Server) streamCompletion(w http.ResponseWriter, req wire.MessagesRequest, servedModel string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	start, _ := json.Marshal(map[string]any{
		"type":    "message_start",
		"message": s.completion(req, servedModel),
	})
	fmt.Fprintf(w, "event: message_start\ndata: %s\n\n", start)
	flusher.Flush()

	for _, word := range strings.Fields(replyText) {
		delta, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
		fmt.Fprintf(w, "event: content_block_delta\ndata: %s\n\n", delta)
		flusher.Flush()
	}

	fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	flusher.Flush()
}

func setRateLimitHeaders(w http.ResponseWriter, limit, remaining int, reset time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

// retryAfterSeconds renders the delay until reset, rounded up, never
// below one second.
func retryAfterSeconds(reset time.Time) string {
	secs := int(time.Until(reset).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, wire.ErrorResponse{
		Type:  "error",
		Error: wire.APIError{Type: errType, Message: message},
	})
}

func writeAuthError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, "authentication_error", message)
}
