package reservation

import (
	"encoding/json"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const PayloadType = "reservation"

// Payload is what the customer's QR code encodes.
type Payload struct {
	Type          string `json:"type"`
	BranchID      string `json:"branchId"`
	ReservationID string `json:"reservationId"`
	Token         string `json:"token"`
}

func NewPayload(branchID, reservationID, token string) Payload {
	return Payload{Type: PayloadType, BranchID: branchID, ReservationID: reservationID, Token: token}
}

func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// PNG renders the payload as a QR image of size x size pixels.
func (p Payload) PNG(size int) ([]byte, error) {
	raw, err := p.Encode()
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(string(raw), qrcode.Medium, size)
}

// scannedPayload is the loose shape read from a scanned code. Older labels
// carry the token under qrToken.
type scannedPayload struct {
	Type          string `json:"type"`
	BranchID      string `json:"branchId"`
	ReservationID string `json:"reservationId"`
	Token         string `json:"token"`
	QRToken       string `json:"qrToken"`
}

// ParseCode accepts either a JSON payload or a bare token, as typed by staff
// when a scan fails. JSON that does not parse or carries no token is treated
// as the token itself. The token is normalized.
func ParseCode(code string) (Payload, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Payload{}, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}
	if strings.HasPrefix(code, "{") && strings.HasSuffix(code, "}") {
		var p scannedPayload
		if err := json.Unmarshal([]byte(code), &p); err == nil {
			token := strings.TrimSpace(p.Token)
			if token == "" {
				token = strings.TrimSpace(p.QRToken)
			}
			if token != "" {
				return Payload{
					Type:          PayloadType,
					BranchID:      strings.TrimSpace(p.BranchID),
					ReservationID: strings.TrimSpace(p.ReservationID),
					Token:         NormalizeToken(token),
				}, nil
			}
		}
	}
	return Payload{Type: PayloadType, Token: NormalizeToken(code)}, nil
}
