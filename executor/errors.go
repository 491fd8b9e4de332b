package executor

import "fmt"

// MissingEdgeError is raised when a node has no registered edge for a
// resolved routing label. Spec §4.5: "audit trail would be incomplete" is
// never silently allowed, so this is always fatal.
type MissingEdgeError struct {
	NodeID string
	Label  string
}

func (e *MissingEdgeError) Error() string {
	return fmt.Sprintf("node %q has no registered edge for label %q", e.NodeID, e.Label)
}

// MissingRouteError is raised when a config gate's expression evaluates to
// a label absent from its routes table (spec §4.5).
type MissingRouteError struct {
	NodeID string
	Label  string
}

func (e *MissingRouteError) Error() string {
	return fmt.Sprintf("node %q: expression result %q is not a declared route label", e.NodeID, e.Label)
}

// PluginBugError propagates a contract violation (spec §4.4, §7 tier 4):
// SuccessMulti without CreatesTokens, or a declared Error result with no
// on_error target.
type PluginBugError struct {
	NodeID string
	Detail string
}

func (e *PluginBugError) Error() string {
	return fmt.Sprintf("plugin bug at node %q: %s", e.NodeID, e.Detail)
}
