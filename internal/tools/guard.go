package tools

import (
	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/pkg/models"
)

// alwaysSafe tools run regardless of an agent's allow-list: they are
// read-only or are themselves the escalation path.
var alwaysSafe = map[string]struct{}{
	NameWebSearch:       {},
	NameFetchURL:        {},
	NameRetrieveFile:    {},
	NameRequestApproval: {},
}

// IsAlwaysSafe reports whether a tool bypasses allow-list checks.
func IsAlwaysSafe(name string) bool {
	_, ok := alwaysSafe[name]
	return ok
}

// CheckPermission decides whether an autonomous run may execute the named
// tool. A nil agent means an interactive request, which is never gated. An
// agent without an allow-list may use every tool; with one, only listed tools
// and the always-safe set. Blocked tools yield a fault.ToolBlockedError that
// the graph converts into an error tool result.
func CheckPermission(agent *models.Agent, name string) error {
	if agent == nil {
		return nil
	}
	if IsAlwaysSafe(name) {
		return nil
	}
	if !agent.HasAllowList() {
		return nil
	}
	for _, allowed := range agent.ToolPermissions {
		if allowed == name {
			return nil
		}
	}
	return &fault.ToolBlockedError{Tool: name}
}
