package sweep

import (
	"time"

	"epc-control/internal/store"
)

// isExpired reports whether a pending command can no longer be
// delivered. Delivery applies the same expiry comparison in its query.
func isExpired(cmd *store.Command, now time.Time) bool {
	return cmd.Status == store.StatusPending && !cmd.ExpiresAt.After(now)
}

// isStuck reports whether a sent command has waited past the grace
// period with no acknowledgment.
func isStuck(cmd *store.Command, now time.Time, grace time.Duration) bool {
	if cmd.Status != store.StatusSent || cmd.SentAt == nil {
		return false
	}
	return now.Sub(*cmd.SentAt) >= grace
}
