package agent

// BackendType identifies which terminal backend drives agent processes
// (single choice at server startup).
type BackendType string

const (
	BackendTmux BackendType = "tmux"
	BackendLog  BackendType = "log"
)

// Default is the default backend when none is specified.
const Default BackendType = BackendTmux

// IsValid returns true if the backend type is supported.
func (t BackendType) IsValid() bool {
	switch t {
	case BackendTmux, BackendLog:
		return true
	default:
		return false
	}
}
