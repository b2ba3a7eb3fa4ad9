// Package models provides data models for the shipmate platform.
package models

import "time"

// DeployTarget describes the single host a service is deployed to.
// Targets are immutable per environment; only an operator changes them.
type DeployTarget struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	SSHPort  int    `json:"ssh_port"`
	SSHUser  string `json:"ssh_user"`
	// SSHKeyRef names the credential used to open the remote session.
	// It is a reference (file path or credential-store key), never key material.
	SSHKeyRef string `json:"ssh_key_ref"`
	// WorkDir is the checkout directory on the host.
	WorkDir string `json:"work_dir"`
	// UnitName is the service unit managed by the host agent.
	UnitName string `json:"unit_name"`
	// Branch is the tracked branch; pushes to other refs are ignored.
	Branch string `json:"branch"`
	// BackendPort is the port the managed process listens on. It is reachable
	// only from loopback; the firewall denies it from outside the host.
	BackendPort int `json:"backend_port"`
	// ExtraAllowedPorts are additional inbound ports the operator opened
	// beyond SSH and the proxy ports.
	ExtraAllowedPorts []int `json:"extra_allowed_ports,omitempty"`
	// WebhookSecret signs push events for this target.
	WebhookSecret string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AllowedPorts returns the inbound ports the firewall permits for this target.
func (t *DeployTarget) AllowedPorts() []int {
	port := t.SSHPort
	if port == 0 {
		port = 22
	}
	ports := []int{port, 80, 443}
	return append(ports, t.ExtraAllowedPorts...)
}
