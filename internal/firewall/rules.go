// Package firewall builds the host network rule set for a deploy target.
package firewall

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shipmate-io/shipmate/internal/models"
)

// Action is what a rule does with a matching connection.
type Action string

const (
	// ActionAccept allows the connection.
	ActionAccept Action = "accept"
	// ActionDrop rejects the connection silently.
	ActionDrop Action = "drop"
)

// Rule matches inbound TCP connections to one port.
type Rule struct {
	Port   int
	Action Action
}

// RuleSet is the declarative inbound policy for a target host. The default
// policy is drop; SSH and the proxy ports are allowed, and the backend port
// carries an explicit drop so it can never be reached from outside even if
// the default policy is loosened. Loopback traffic is always accepted, which
// is what lets the proxy reach the backend.
type RuleSet struct {
	Rules []Rule
}

// ForTarget builds the rule set for a deploy target.
func ForTarget(target *models.DeployTarget) *RuleSet {
	allowed := target.AllowedPorts()
	sort.Ints(allowed)

	rules := make([]Rule, 0, len(allowed)+1)
	for _, port := range allowed {
		rules = append(rules, Rule{Port: port, Action: ActionAccept})
	}
	rules = append(rules, Rule{Port: target.BackendPort, Action: ActionDrop})

	return &RuleSet{Rules: rules}
}

// Allows reports whether inbound connections to port are accepted.
// An explicit drop wins over an accept for the same port.
func (rs *RuleSet) Allows(port int) bool {
	allowed := false
	for _, r := range rs.Rules {
		if r.Port != port {
			continue
		}
		if r.Action == ActionDrop {
			return false
		}
		allowed = true
	}
	return allowed
}

// Denies reports whether inbound connections to port are rejected.
func (rs *RuleSet) Denies(port int) bool {
	return !rs.Allows(port)
}

// RenderScript renders the rule set as an nft script. Applying it is
// idempotent: the table is flushed and rebuilt atomically.
func (rs *RuleSet) RenderScript() string {
	var b strings.Builder
	b.WriteString("table inet shipmate\n")
	b.WriteString("flush table inet shipmate\n")
	b.WriteString("table inet shipmate {\n")
	b.WriteString("\tchain inbound {\n")
	b.WriteString("\t\ttype filter hook input priority 0; policy drop;\n")
	b.WriteString("\t\tct state established,related accept\n")
	b.WriteString("\t\tiif \"lo\" accept\n")

	// Drops first so they cannot be shadowed by an accept.
	for _, r := range rs.Rules {
		if r.Action == ActionDrop {
			fmt.Fprintf(&b, "\t\ttcp dport %d drop\n", r.Port)
		}
	}
	for _, r := range rs.Rules {
		if r.Action == ActionAccept && !rs.hasDrop(r.Port) {
			fmt.Fprintf(&b, "\t\ttcp dport %d accept\n", r.Port)
		}
	}

	b.WriteString("\t}\n")
	b.WriteString("}\n")
	return b.String()
}

func (rs *RuleSet) hasDrop(port int) bool {
	for _, r := range rs.Rules {
		if r.Port == port && r.Action == ActionDrop {
			return true
		}
	}
	return false
}
