package models

import "time"

type Reservation struct {
	ReservationID string     `json:"reservation_id"`
	BranchID      string     `json:"branch_id"`
	CustomerName  string     `json:"customer_name"`
	CustomerPhone string     `json:"customer_phone,omitempty"`
	CustomerUID   string     `json:"customer_uid,omitempty"`
	QRToken       string     `json:"qr_token"`
	Status        string     `json:"status"`
	TotalQty      int64      `json:"total_qty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CompletedBy   string     `json:"completed_by,omitempty"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	ArchivedBy    string     `json:"archived_by,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

type ReservationItem struct {
	ItemID        string    `json:"item_id"`
	ReservationID string    `json:"reservation_id"`
	BranchID      string    `json:"branch_id"`
	MedicineID    string    `json:"medicine_id"`
	MedicineName  string    `json:"medicine_name"`
	Qty           int64     `json:"qty"`
	Price         float64   `json:"price"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ReservationReserved  = "reserved"
	ReservationClaimed   = "claimed"
	ReservationCompleted = "completed"
	ReservationArchived  = "archived"
	ReservationCancelled = "cancelled"
)

// IsExpired reports logical expiry. The stored status is only rewritten when
// a claim is attempted.
func IsExpired(status string, expiresAt, now time.Time) bool {
	if status != ReservationReserved || expiresAt.IsZero() {
		return false
	}
	return expiresAt.Before(now)
}

func ItemsCost(items []ReservationItem) float64 {
	var total float64
	for _, item := range items {
		total += float64(item.Qty) * item.Price
	}
	return total
}
