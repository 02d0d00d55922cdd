package reservation

import "qms/pharmacy-service/internal/models"

const (
	ActionClaim    = "claim"
	ActionCancel   = "cancel"
	ActionComplete = "complete"
	ActionArchive  = "archive"
)

var transitionMap = map[string][]string{
	ActionClaim:    {models.ReservationReserved},
	ActionCancel:   {models.ReservationReserved},
	ActionComplete: {models.ReservationClaimed},
	ActionArchive:  {models.ReservationReserved, models.ReservationCompleted, models.ReservationCancelled},
}

var actionStatus = map[string]string{
	ActionClaim:    models.ReservationClaimed,
	ActionCancel:   models.ReservationCancelled,
	ActionComplete: models.ReservationCompleted,
	ActionArchive:  models.ReservationArchived,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
