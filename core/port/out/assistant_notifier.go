package out

import "context"

// NotifyLevel is the severity of an operator notification.
type NotifyLevel string

const (
	NotifyWarning  NotifyLevel = "warning"
	NotifyCritical NotifyLevel = "critical"
)

// OperatorNotifier is the side channel used to alert a human when budget or
// crash-loop thresholds are crossed. Notification failures are logged by
// callers but never block message processing.
type OperatorNotifier interface {
	Notify(ctx context.Context, level NotifyLevel, message string) error
}
