package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shipmate-io/shipmate/internal/models"
)

// agentClient talks to the host agent's unix-socket control API through the
// remote session. The socket is never exposed off the host; the executor
// reaches it only over SSH.
type agentClient struct {
	runner CommandRunner
	socket string
	unit   string
}

func (a *agentClient) url(suffix string) string {
	return fmt.Sprintf("http://agent/v1/units/%s%s", a.unit, suffix)
}

// Status queries the supervisor for the unit's current state.
func (a *agentClient) Status(ctx context.Context) (*models.UnitStatus, error) {
	cmd := fmt.Sprintf("curl -sSf --unix-socket %s %s", shellQuote(a.socket), shellQuote(a.url("")))
	result, err := a.runner.Run(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("agent status query failed: %s", result.Stderr)
	}

	var status models.UnitStatus
	if err := json.Unmarshal([]byte(result.Stdout), &status); err != nil {
		return nil, fmt.Errorf("decoding unit status: %w", err)
	}
	return &status, nil
}

// Restart issues a restart command to the supervisor.
func (a *agentClient) Restart(ctx context.Context) (*CommandResult, error) {
	cmd := fmt.Sprintf("curl -sS -X POST --unix-socket %s %s", shellQuote(a.socket), shellQuote(a.url("/restart")))
	return a.runner.Run(ctx, cmd, nil)
}
