package models

import "time"

type Ticket struct {
	TicketID     string    `json:"ticket_id"`
	BranchID     string    `json:"branch_id"`
	TicketNumber int64     `json:"ticket_number"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type IssuedTicket struct {
	TicketID     string `json:"ticket_id"`
	BranchID     string `json:"branch_id"`
	TicketNumber int64  `json:"ticket_number"`
}

// QueueMeta is the per-branch counter and serving slot. ServingTicketID is
// nil when nobody is being served.
type QueueMeta struct {
	BranchID        string     `json:"branch_id"`
	CurrentNumber   int64      `json:"current_number"`
	ServingTicketID *string    `json:"serving_ticket_id"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

type QueueSnapshot struct {
	Meta         QueueMeta `json:"meta"`
	NowServing   *Ticket   `json:"now_serving"`
	NextWaiting  *Ticket   `json:"next_waiting"`
	WaitingCount int       `json:"waiting_count"`
}

const (
	StatusWaiting = "waiting"
	StatusServing = "serving"
	StatusDone    = "done"
)
