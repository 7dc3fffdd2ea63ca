package supervisor

import (
	"strings"

	"agentd/internal/task"
)

// Output markers that reclassify a non-zero exit. Checked case-insensitively
// against the tail of the captured output.
var (
	networkMarkers = []string{
		"connection refused",
		"connection reset",
		"network error",
		"no such host",
		"dial tcp",
		"tls handshake timeout",
		"request timed out",
		"econnrefused",
		"etimedout",
	}
	permissionMarkers = []string{
		"permission denied by user",
		"permission required",
		"requires approval",
		"approval required",
		"dangerously-skip-permissions",
		"permission request",
	}
)

// classifyWindow bounds how much trailing output is scanned for markers.
const classifyWindow = 16 * 1024

// Classify maps a subprocess exit into a completion type. Exit 0 is always
// success; non-zero exits are refined by recognizable failure markers in the
// output, permission markers taking precedence over network ones.
func Classify(exitCode int, output string) task.CompletionType {
	if exitCode == 0 {
		return task.CompletionSuccess
	}

	if len(output) > classifyWindow {
		output = output[len(output)-classifyWindow:]
	}
	lower := strings.ToLower(output)

	for _, marker := range permissionMarkers {
		if strings.Contains(lower, marker) {
			return task.CompletionPermissionBlocked
		}
	}
	for _, marker := range networkMarkers {
		if strings.Contains(lower, marker) {
			return task.CompletionNetworkError
		}
	}
	return task.CompletionFailed
}
