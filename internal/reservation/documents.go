package reservation

import (
	"time"

	"qms/pharmacy-service/internal/docstore"
	"qms/pharmacy-service/internal/models"
)

const (
	ReservationsCollection = "reservations"
	ItemsCollection        = "reservationItems"
)

func ReservationRef(id string) docstore.Ref {
	return docstore.Ref{Collection: ReservationsCollection, ID: id}
}

type reservationDoc struct {
	BranchID      string     `json:"branchId"`
	CustomerName  string     `json:"customerName"`
	CustomerPhone string     `json:"customerPhone"`
	CustomerUID   string     `json:"customerUid"`
	QRToken       string     `json:"qrToken"`
	Status        string     `json:"status"`
	TotalQty      int64      `json:"totalQty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	ClaimedAt     *time.Time `json:"claimedAt"`
	ClaimedBy     string     `json:"claimedBy"`
	CompletedAt   *time.Time `json:"completedAt"`
	CompletedBy   string     `json:"completedBy"`
	ArchivedAt    *time.Time `json:"archivedAt"`
	ArchivedBy    string     `json:"archivedBy"`
	UpdatedAt     *time.Time `json:"updatedAt"`
}

type itemDoc struct {
	ReservationID string    `json:"reservationId"`
	BranchID      string    `json:"branchId"`
	MedicineID    string    `json:"medicineId"`
	MedicineName  string    `json:"medicineName"`
	Qty           int64     `json:"qty"`
	Price         float64   `json:"price"`
	CreatedAt     time.Time `json:"createdAt"`
}

func DecodeReservation(doc docstore.Document) (models.Reservation, error) {
	var r reservationDoc
	if err := doc.DataTo(&r); err != nil {
		return models.Reservation{}, err
	}
	return models.Reservation{
		ReservationID: doc.Ref.ID,
		BranchID:      r.BranchID,
		CustomerName:  r.CustomerName,
		CustomerPhone: r.CustomerPhone,
		CustomerUID:   r.CustomerUID,
		QRToken:       r.QRToken,
		Status:        r.Status,
		TotalQty:      r.TotalQty,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		ClaimedAt:     r.ClaimedAt,
		ClaimedBy:     r.ClaimedBy,
		CompletedAt:   r.CompletedAt,
		CompletedBy:   r.CompletedBy,
		ArchivedAt:    r.ArchivedAt,
		ArchivedBy:    r.ArchivedBy,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func decodeItem(doc docstore.Document) (models.ReservationItem, error) {
	var it itemDoc
	if err := doc.DataTo(&it); err != nil {
		return models.ReservationItem{}, err
	}
	return models.ReservationItem{
		ItemID:        doc.Ref.ID,
		ReservationID: it.ReservationID,
		BranchID:      it.BranchID,
		MedicineID:    it.MedicineID,
		MedicineName:  it.MedicineName,
		Qty:           it.Qty,
		Price:         it.Price,
		CreatedAt:     it.CreatedAt,
	}, nil
}

// ListQuery selects reservations newest first, optionally for one branch.
func ListQuery(branchID string) docstore.Query {
	q := docstore.Query{Collection: ReservationsCollection}
	if branchID != "" {
		q = q.Where("branchId", docstore.OpEqual, branchID)
	}
	return q.OrderBy("createdAt", true)
}

func tokenQuery(branchID, token string) docstore.Query {
	return docstore.Query{Collection: ReservationsCollection}.
		Where("branchId", docstore.OpEqual, branchID).
		Where("qrToken", docstore.OpEqual, token).
		WithLimit(1)
}
