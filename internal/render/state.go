package render

// State is a stage of the render pipeline.
type State int

const (
	StateRouting State = iota
	StatePreloading
	StateLoaded
	StateRendering
	StateWritingHTML
	StateDone
	StateRedirecting
	StateNotFound
	StateError
)

var stateNames = [...]string{
	StateRouting:     "routing",
	StatePreloading:  "preloading",
	StateLoaded:      "loaded",
	StateRendering:   "rendering",
	StateWritingHTML: "writing_html",
	StateDone:        "done",
	StateRedirecting: "redirecting",
	StateNotFound:    "not_found",
	StateError:       "error",
}

// String returns the state name used in logs and metrics.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the pipeline stops in s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateRedirecting, StateNotFound, StateError:
		return true
	default:
		return false
	}
}
