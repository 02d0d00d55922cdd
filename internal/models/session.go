package models

import "time"

type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	BranchIDs []string  `json:"branch_ids"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Actor identifies who performs an engine operation. Engines never read an
// ambient current user.
type Actor struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

const (
	RoleAdmin      = "admin"
	RolePharmacist = "pharmacist"
	RoleCustomer   = "customer"
	RoleKiosk      = "kiosk"
	RoleDisplay    = "display"
)

func (a Actor) IsStaff() bool {
	return a.Role == RoleAdmin || a.Role == RolePharmacist
}

func (s Session) Actor() Actor {
	return Actor{UserID: s.UserID, Role: s.Role}
}
