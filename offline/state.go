package offline

// State is a worker's lifecycle state.
type State int

const (
	// StateInstalling is held while the manifest is fetched and stored.
	StateInstalling State = iota
	// StateInstalled is a successfully installed worker waiting to activate.
	StateInstalled
	// StateActivating is held while stale namespaces are removed.
	StateActivating
	// StateActivated is the worker serving fetches.
	StateActivated
	// StateRedundant is a worker that failed to install or was superseded.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}
