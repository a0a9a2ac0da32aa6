// Package conformance implements the wire-protocol checks run against a
// deployed gateway: endpoint presence, header forwarding, response body
// shape, status-code discipline, SSE streaming, and credential handling.
package conformance

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/gateway-probe/internal/probe"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
)

// Check pairs a name with its probe-and-classify function. Checks never
// return errors; whatever happens on the wire becomes evidence.
type Check struct {
	Name string
	Run  func(ctx context.Context) verdict.CheckResult
}

// Suite runs the conformance checks against one gateway.
type Suite struct {
	client *probe.Client
	model  string
	logger *slog.Logger
}

// NewSuite builds a conformance suite probing with the given model.
func NewSuite(client *probe.Client, model string, logger *slog.Logger) *Suite {
	return &Suite{
		client: client,
		model:  model,
		logger: logger.With(slog.String("component", "conformance")),
	}
}

// Checks returns the registry in execution order.
func (s *Suite) Checks() []Check {
	return []Check{
		{Name: "endpoint", Run: s.checkEndpoint},
		{Name: "header-forwarding", Run: s.checkHeaderForwarding},
		{Name: "body-preservation", Run: s.checkBodyPreservation},
		{Name: "status-codes", Run: s.checkStatusCodes},
		{Name: "streaming", Run: s.checkStreaming},
		{Name: "auth", Run: s.checkAuth},
		{Name: "timeout", Run: s.checkTimeout},
	}
}

// RunAll executes every check in order, appending each result to the
// aggregator. Checks are isolated: one failing never stops the rest.
func (s *Suite) RunAll(ctx context.Context, agg *verdict.Aggregator) {
	for _, check := range s.Checks() {
		result := check.Run(ctx)
		s.logger.Info("check finished",
			slog.String("check", result.Name),
			slog.String("outcome", result.Outcome.String()),
			slog.String("message", result.Message),
		)
		agg.Append(result)
	}
}
