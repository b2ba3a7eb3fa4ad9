package validation

import (
	"strings"

	"github.com/shipmate-io/shipmate/internal/models"
)

// ValidatePort validates a TCP port number.
func ValidatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &models.ValidationError{
			Field:   field,
			Message: "port must be between 1 and 65535",
		}
	}
	return nil
}

// ValidateTarget validates a deploy target definition.
func ValidateTarget(t *models.DeployTarget) error {
	if t.Host == "" {
		return &models.ValidationError{Field: "host", Message: "host is required"}
	}
	if t.SSHUser == "" {
		return &models.ValidationError{Field: "ssh_user", Message: "ssh user is required"}
	}
	if t.WorkDir == "" || !strings.HasPrefix(t.WorkDir, "/") {
		return &models.ValidationError{Field: "work_dir", Message: "work dir must be an absolute path"}
	}
	if t.Branch == "" {
		return &models.ValidationError{Field: "branch", Message: "tracked branch is required"}
	}
	if err := ValidateUnitName(t.UnitName); err != nil {
		return err
	}
	if t.SSHPort != 0 {
		if err := ValidatePort("ssh_port", t.SSHPort); err != nil {
			return err
		}
	}
	if err := ValidatePort("backend_port", t.BackendPort); err != nil {
		return err
	}
	// The backend port must never be one of the externally allowed ports,
	// otherwise the firewall deny rule would fight the allow list.
	for _, p := range t.AllowedPorts() {
		if t.BackendPort == p {
			return &models.ValidationError{
				Field:   "backend_port",
				Message: "backend port must not overlap the ssh or proxy ports",
			}
		}
	}
	return nil
}
