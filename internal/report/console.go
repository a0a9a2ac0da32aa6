// Package report renders a finished session for humans and machines: a
// colored console summary and a JSON export with the same content.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/tjfontaine/gateway-probe/internal/resilience"
	"github.com/tjfontaine/gateway-probe/internal/session"
	"github.com/tjfontaine/gateway-probe/internal/verdict"
)

const (
	ansiGreen  = "\033[92m"
	ansiRed    = "\033[91m"
	ansiYellow = "\033[93m"
	ansiBlue   = "\033[94m"
	ansiBold   = "\033[1m"
	ansiReset  = "\033[0m"
)

// ColorMode controls whether console output carries ANSI color.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// ParseColorMode maps the configuration value onto a mode. The empty
// string means auto.
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "", "auto":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	default:
		return ColorAuto, fmt.Errorf("unknown color mode %q, want auto, always or never", s)
	}
}

// Console writes a human-readable rendering of a session report.
type Console struct {
	w       io.Writer
	color   bool
	verbose bool
}

// NewConsole builds a renderer for w. In auto mode color is enabled only
// when w is a terminal.
func NewConsole(w io.Writer, mode ColorMode, verbose bool) *Console {
	color := false
	switch mode {
	case ColorAlways:
		color = true
	case ColorAuto:
		if f, ok := w.(*os.File); ok {
			color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return &Console{w: w, color: color, verbose: verbose}
}

// Render writes the full report: header, per-check lines, probe tables
// and the final verdict.
func (c *Console) Render(rep *session.Report) {
	c.banner("Gateway Validation Report")
	fmt.Fprintf(c.w, "Gateway:  %s\n", rep.GatewayURL)
	fmt.Fprintf(c.w, "Model:    %s\n", rep.Model)
	fmt.Fprintf(c.w, "Session:  %s\n\n", rep.ID)

	for _, r := range rep.Results {
		c.result(r)
	}

	c.renderSmoke(rep.Smoke)
	c.renderRouting(rep.Routing)
	c.renderFailover(rep.Failover)
	c.renderRateLimit(rep.RateLimit)
	c.renderSetupErrors(rep.SetupErrors)

	c.summary(rep)
}

func (c *Console) banner(title string) {
	line := strings.Repeat("=", 60)
	fmt.Fprintf(c.w, "%s\n%s\n%s\n\n", c.paint(ansiBold, line), c.paint(ansiBold, title), c.paint(ansiBold, line))
}

func (c *Console) result(r verdict.CheckResult) {
	var status string
	switch r.Outcome {
	case verdict.Pass:
		status = c.paint(ansiGreen, "✓ PASS")
	case verdict.Fail:
		status = c.paint(ansiRed, "✗ FAIL")
	default:
		status = c.paint(ansiYellow, "⚠ INCONCLUSIVE")
	}
	fmt.Fprintf(c.w, "%s - %s: %s\n", status, r.Name, r.Message)
	if r.Detail != "" && c.verbose {
		fmt.Fprintf(c.w, "       %s\n", c.paint(ansiBlue, "Details: "+r.Detail))
	}
}

func (c *Console) renderSmoke(stats []resilience.TrialStats) {
	if len(stats) == 0 {
		return
	}
	fmt.Fprintf(c.w, "\n%s\n", c.paint(ansiBold, "Model Smoke Trials"))
	c.statsTable(stats)
}

func (c *Console) renderRouting(rep *resilience.RoutingReport) {
	if rep == nil || len(rep.Targets) == 0 {
		return
	}
	fmt.Fprintf(c.w, "\n%s\n", c.paint(ansiBold, fmt.Sprintf("Routing Distribution (%s, %d iterations)", rep.Strategy, rep.Iterations)))
	rows := append(append([]resilience.TrialStats(nil), rep.Targets...), rep.Overall)
	c.statsTable(rows)
}

func (c *Console) statsTable(stats []resilience.TrialStats) {
	table := tablewriter.NewWriter(c.w)
	table.SetHeader([]string{"Target", "Attempted", "Succeeded", "Failed", "Success Rate", "Latency (min/avg/max)"})
	table.SetAutoWrapText(false)
	for _, s := range stats {
		rate := "n/a"
		if r, ok := s.SuccessRate(); ok {
			rate = fmt.Sprintf("%.0f%%", r*100)
		}
		min, avg, max := s.LatencySummary()
		table.Append([]string{
			s.Target,
			fmt.Sprintf("%d", s.Attempted),
			fmt.Sprintf("%d", s.Succeeded),
			fmt.Sprintf("%d", s.Failed),
			rate,
			fmt.Sprintf("%s / %s / %s", formatLatency(min), formatLatency(avg), formatLatency(max)),
		})
	}
	table.Render()
}

func (c *Console) renderFailover(rep *resilience.FailoverReport) {
	if rep == nil || len(rep.Trials) == 0 {
		return
	}
	fmt.Fprintf(c.w, "\n%s\n", c.paint(ansiBold, fmt.Sprintf("Failover Trials (requested %s)", rep.RequestedModel)))

	table := tablewriter.NewWriter(c.w)
	table.SetHeader([]string{"Trial", "Status", "Served Model", "Fell Back", "Latency"})
	table.SetAutoWrapText(false)
	for _, trial := range rep.Trials {
		status := fmt.Sprintf("%d", trial.Status)
		if trial.Err != "" {
			status = trial.Err
		}
		fellBack := ""
		if trial.FellBack {
			fellBack = "yes"
		}
		table.Append([]string{
			fmt.Sprintf("%d", trial.Trial),
			status,
			trial.ServedModel,
			fellBack,
			formatLatency(trial.Latency),
		})
	}
	table.Render()
}

func (c *Console) renderRateLimit(rep *resilience.RateLimitReport) {
	if rep == nil {
		return
	}
	fmt.Fprintf(c.w, "\n%s\n", c.paint(ansiBold, "Rate Limit Burst"))
	fmt.Fprintf(c.w, "State:     %s\n", rep.State)
	fmt.Fprintf(c.w, "Requests:  %d of budget %d (%d succeeded, %d limited, %d transport errors)\n",
		rep.RequestsMade, rep.Budget, rep.Succeeded, rep.RateLimited, rep.TransportErrors)
	if rep.FirstRateLimitAt > 0 {
		fmt.Fprintf(c.w, "First 429: request %d\n", rep.FirstRateLimitAt)
	}
	if rep.Info.Limit != "" || rep.Info.Remaining != "" {
		fmt.Fprintf(c.w, "Headers:   limit=%s remaining=%s\n", rep.Info.Limit, rep.Info.Remaining)
	}
	if rep.ResetWaited > 0 {
		fmt.Fprintf(c.w, "Reset:     waited %s, verify status %d\n", rep.ResetWaited, rep.VerifyStatus)
	}
}

func (c *Console) renderSetupErrors(errs []string) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(c.w, "\n%s\n", c.paint(ansiYellow+ansiBold, "Setup Errors"))
	for _, e := range errs {
		fmt.Fprintf(c.w, "  - %s\n", e)
	}
}

func (c *Console) summary(rep *session.Report) {
	fmt.Fprintln(c.w)
	c.banner("Validation Summary")
	fmt.Fprintf(c.w, "%s\n", c.paint(ansiGreen, fmt.Sprintf("Passed: %d", rep.Passed)))
	fmt.Fprintf(c.w, "%s\n", c.paint(ansiRed, fmt.Sprintf("Failed: %d", rep.Failed)))
	fmt.Fprintf(c.w, "%s\n\n", c.paint(ansiYellow, fmt.Sprintf("Inconclusive: %d", rep.Inconclusive)))

	switch rep.Verdict {
	case verdict.Compatible:
		fmt.Fprintf(c.w, "%s\n", c.paint(ansiGreen+ansiBold, "✓ Gateway is COMPATIBLE"))
	case verdict.Incompatible:
		fmt.Fprintf(c.w, "%s\n", c.paint(ansiRed+ansiBold, "✗ Gateway has COMPATIBILITY ISSUES"))
		if len(rep.Remediation) > 0 {
			fmt.Fprintf(c.w, "\nRecommendations:\n")
			for _, r := range rep.Remediation {
				fmt.Fprintf(c.w, "  - %s\n", r)
			}
		}
	default:
		fmt.Fprintf(c.w, "%s\n", c.paint(ansiYellow+ansiBold, "⚠ Cannot determine compatibility"))
	}
}

func (c *Console) paint(code, s string) string {
	if !c.color {
		return s
	}
	return code + s + ansiReset
}

func formatLatency(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Truncate(time.Millisecond).String()
}
