package reservation

import (
	"crypto/rand"
	"strings"
)

const (
	TokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	TokenLength   = 20
)

// NewToken draws TokenLength symbols from TokenAlphabet. The alphabet has 32
// symbols so masking a random byte is unbiased.
func NewToken() (string, error) {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = TokenAlphabet[int(b)&(len(TokenAlphabet)-1)]
	}
	return string(buf), nil
}

func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func ValidToken(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		if strings.IndexByte(TokenAlphabet, token[i]) < 0 {
			return false
		}
	}
	return true
}
