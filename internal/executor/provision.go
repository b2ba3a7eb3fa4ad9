package executor

import (
	"context"
	"fmt"

	"github.com/shipmate-io/shipmate/internal/firewall"
	"github.com/shipmate-io/shipmate/internal/models"
)

// ApplyFirewall renders the target's inbound rule set and applies it on the
// host. The script rebuilds the whole table, so reapplying is idempotent.
func (e *Executor) ApplyFirewall(ctx context.Context, target *models.DeployTarget) error {
	runner, err := e.dialer.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("opening remote session: %w", err)
	}
	defer runner.Close()

	script := firewall.ForTarget(target).RenderScript()

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	result, err := runner.Run(stepCtx, "nft -f /dev/stdin", []byte(script))
	if err != nil {
		return fmt.Errorf("applying firewall rules: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("nft exited %d: %s", result.ExitCode, result.Stderr)
	}

	e.logger.Info("firewall rules applied",
		"target_id", target.ID,
		"backend_port", target.BackendPort)
	return nil
}
