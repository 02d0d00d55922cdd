package reservation

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadEncodeGolden(t *testing.T) {
	raw, err := NewPayload("br1", "res-42", "ABCDEFGHJKLMNPQRSTUV").Encode()
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "qr_payload", raw)
}

func TestParseCode(t *testing.T) {
	cases := []struct {
		name    string
		code    string
		want    Payload
		wantErr bool
	}{
		{
			name: "json payload",
			code: `{"type":"reservation","branchId":"br1","reservationId":"r1","token":"abcdefghjklmnpqrstuv"}`,
			want: Payload{Type: PayloadType, BranchID: "br1", ReservationID: "r1", Token: "ABCDEFGHJKLMNPQRSTUV"},
		},
		{
			name: "bare token",
			code: "  abcdefghjklmnpqrstuv ",
			want: Payload{Type: PayloadType, Token: "ABCDEFGHJKLMNPQRSTUV"},
		},
		{
			name: "qrToken key",
			code: `{"type":"reservation","branchId":"br1","qrToken":"abcdefghjklmnpqrstuv"}`,
			want: Payload{Type: PayloadType, BranchID: "br1", Token: "ABCDEFGHJKLMNPQRSTUV"},
		},
		{
			name: "other payload type with token",
			code: `{"type":"other","token":"abcdefghjklmnpqrstuv"}`,
			want: Payload{Type: PayloadType, Token: "ABCDEFGHJKLMNPQRSTUV"},
		},
		{
			name: "braces that are not json",
			code: "{abcdefghjklmnpqrstuv}",
			want: Payload{Type: PayloadType, Token: "{ABCDEFGHJKLMNPQRSTUV}"},
		},
		{
			name: "json without token",
			code: `{"type":"reservation","branchId":"br1"}`,
			want: Payload{Type: PayloadType, Token: `{"TYPE":"RESERVATION","BRANCHID":"BR1"}`},
		},
		{
			name: "unterminated json",
			code: `{"token":`,
			want: Payload{Type: PayloadType, Token: `{"TOKEN":`},
		},
		{name: "empty", code: "  ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCode(tc.code)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPayloadPNG(t *testing.T) {
	png, err := NewPayload("br1", "res-42", "ABCDEFGHJKLMNPQRSTUV").PNG(128)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestNewToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		token, err := NewToken()
		require.NoError(t, err)
		require.True(t, ValidToken(token), token)
		assert.False(t, seen[token])
		seen[token] = true
	}
	assert.False(t, ValidToken("ABCDEFGHIJKLMNOPQRST"))
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		want   bool
	}{
		{ActionClaim, "reserved", true},
		{ActionClaim, "claimed", false},
		{ActionComplete, "claimed", true},
		{ActionComplete, "reserved", false},
		{ActionArchive, "completed", true},
		{ActionArchive, "reserved", true},
		{ActionArchive, "archived", false},
		{"refund", "claimed", false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.action, tc.from); got != tc.want {
			t.Fatalf("%s from %s: expected %v, got %v", tc.action, tc.from, tc.want, got)
		}
	}
}
