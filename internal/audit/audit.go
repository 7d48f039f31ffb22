// Package audit classifies the paths and commands an attempt's editor
// touches into security-relevant categories and emits structured log
// entries for forensic visibility, the same role it played in the
// teacher's multi-agent session runner — narrowed here to the two
// signals a bounded, single-pass worker attempt actually produces: the
// list of changed paths step 4 (Executing) re-verifies against policy
// scope (spec §4.5), and the editor's configured command. The teacher's stream-event extraction
// (ExtractFromClaudeCode/ExtractFromCodexEvents, tool_use blocks from a
// multi-turn coding agent's own event stream) has no equivalent here —
// this system's Editor is an opaque container invocation, not an
// instrumented agent loop — so only the category classifiers survive.
package audit

// Category is a security-relevant classification for a path or command
// an attempt touched.
type Category string

const (
	// SensitiveFileWrite is a write/edit to a path matching a sensitive
	// pattern (credentials, CI config, SSH keys, etc).
	SensitiveFileWrite Category = "SENSITIVE_FILE_WRITE"
	// PackageInstall is a package-manager install invocation.
	PackageInstall Category = "PACKAGE_INSTALL"
	// OutboundDataTransfer is a command capable of exfiltrating data.
	OutboundDataTransfer Category = "OUTBOUND_DATA_TRANSFER"
)

// Event is a single security audit finding, scoped to the attempt and
// target it was observed on.
type Event struct {
	Category  Category
	AttemptID string
	TargetID  string
	Detail    string // the path or command that triggered the finding
}
