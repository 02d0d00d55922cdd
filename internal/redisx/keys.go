package redisx

import "time"

const (
	// KeyIdemTicketIssue maps a kiosk request id to the ticket it issued:
	// idem:ticket:issue:{branchID}:{requestID}
	KeyIdemTicketIssue = "idem:ticket:issue:%s:%s"

	// KeySnapshot caches the public queue snapshot of a branch.
	KeySnapshot = "queue_snapshot:%s"
)

const (
	TTLIdempotency = 24 * time.Hour
	TTLSnapshot    = 2 * time.Second
)
