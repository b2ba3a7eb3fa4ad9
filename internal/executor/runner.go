// Package executor runs the remote deploy pipeline against a target host.
package executor

import (
	"context"
	"strings"

	"github.com/shipmate-io/shipmate/internal/models"
)

// CommandResult holds the outcome of one remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes commands over an established remote session.
type CommandRunner interface {
	// Run executes a command, optionally feeding stdin, and returns its
	// captured output. A non-zero exit is reported in the result, not as
	// an error; errors mean the session itself failed.
	Run(ctx context.Context, command string, stdin []byte) (*CommandResult, error)

	// Close tears down the remote session.
	Close() error
}

// Dialer opens a remote command session to a deploy target.
type Dialer interface {
	Dial(ctx context.Context, target *models.DeployTarget) (CommandRunner, error)
}

// shellQuote single-quotes s for safe interpolation into a remote shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
