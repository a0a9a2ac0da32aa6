package report

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tjfontaine/gateway-probe/internal/session"
)

// WriteJSON exports the report to path as indented JSON, one document per
// run, suitable for diffing between deployments.
func WriteJSON(path string, rep *session.Report) error {
	payload, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	payload = append(payload, '\n')

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
