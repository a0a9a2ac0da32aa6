package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/tjfontaine/gateway-probe/internal/verdict"
	"github.com/tjfontaine/gateway-probe/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noSleep replaces probe pauses so tests run in milliseconds.
func noSleep(context.Context, time.Duration) error {
	return nil
}

// completionBody builds a full messages response attributed to model.
func completionBody(model string) string {
	return fmt.Sprintf(`{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"ok"}],"model":%q,"usage":{"input_tokens":1,"output_tokens":1}}`, model)
}

// decodeModel extracts the requested model from a messages request.
func decodeModel(t *testing.T, r *http.Request) string {
	t.Helper()
	var req wire.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decoding messages request: %v", err)
	}
	return req.Model
}

// gatewayMux serves a healthy /health next to the given messages
// handler, which is what the failover gate expects to find.
func gatewayMux(messages http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wire.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc(wire.MessagesPath, messages)
	return mux
}

func serveCompletion(w http.ResponseWriter, model string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, completionBody(model))
}

func findResult(t *testing.T, agg *verdict.Aggregator, name string) verdict.CheckResult {
	t.Helper()
	for _, r := range agg.Results() {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no check result named %q", name)
	return verdict.CheckResult{}
}
