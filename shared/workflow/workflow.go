package workflow

import "strings"

const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusError      = "ERROR"
	StatusRepeated   = "REPEATED"
)

const (
	EventOperationStarted   = "operation_started"
	EventOperationCompleted = "operation_completed"
	EventOperationFailed    = "operation_failed"
	EventOperationRepeated  = "operation_repeated"
)

var operationTransitions = map[string]map[string]string{
	StatusPending: {
		StatusInProgress: EventOperationStarted,
		StatusCompleted:  EventOperationCompleted,
		StatusError:      EventOperationFailed,
		StatusRepeated:   EventOperationRepeated,
	},
	StatusInProgress: {
		StatusCompleted: EventOperationCompleted,
		StatusError:     EventOperationFailed,
	},
}

func NormalizeStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

// CanTransition reports whether an operation may move from one status to
// another. Staying in the same status is not a transition.
func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	next := operationTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	next := operationTransitions[NormalizeStatus(fromStatus)]
	if next == nil {
		return ""
	}
	return next[NormalizeStatus(toStatus)]
}

// IsTerminal reports statuses that no longer block a scheduled operation
// from being dispatched again.
func IsTerminal(status string) bool {
	switch NormalizeStatus(status) {
	case StatusCompleted, StatusError, StatusRepeated:
		return true
	default:
		return false
	}
}

func NonTerminalStatuses() []string {
	return []string{StatusPending, StatusInProgress}
}

func AllStatuses() []string {
	return []string{
		StatusPending,
		StatusInProgress,
		StatusCompleted,
		StatusError,
		StatusRepeated,
	}
}
