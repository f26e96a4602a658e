package extensions

// Status is the lifecycle state of an extension
type Status string

const (
	StatusInstalled    Status = "installed"
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusDisabled     Status = "disabled"
	StatusError        Status = "error"
	StatusUpdating     Status = "updating"
	StatusUninstalling Status = "uninstalling"
)

// transitions lists the permitted target states for each state.
// StatusUninstalling is terminal: the entity is removed.
var transitions = map[Status][]Status{
	StatusInstalled: {StatusActive, StatusInactive, StatusDisabled, StatusUninstalling},
	StatusActive:    {StatusInactive, StatusDisabled, StatusUpdating, StatusError, StatusUninstalling},
	StatusInactive:  {StatusActive, StatusDisabled, StatusUninstalling},
	StatusDisabled:  {StatusActive, StatusInactive, StatusUninstalling},
	StatusError:     {StatusActive, StatusInactive, StatusDisabled, StatusUninstalling},
	StatusUpdating:  {StatusActive, StatusInactive, StatusError},
}

// CanTransition reports whether an extension may move from one status to another
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns a TransitionError when the move is not permitted
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
