package notify

import "context"

// Notifier delivers operator-facing notifications (plan announcements,
// failures, milestones). Delivery is best-effort, errors are for the caller
// to log, never to fail the task on.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Noop notifier discards all notifications.
const Noop = noop(0)

type noop int

var _ Notifier = Noop

func (noop) Notify(ctx context.Context, message string) error { return nil }
