package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidCookie = errors.New("invalid cookie")

// Signer signs opaque cookie values with HMAC-SHA256.
type Signer struct {
	key []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{key: secret}
}

// Sign returns value in the format "value|signature", both base64 encoded.
func (s *Signer) Sign(value string) string {
	return fmt.Sprintf("%s|%s",
		base64.URLEncoding.EncodeToString([]byte(value)),
		base64.URLEncoding.EncodeToString(s.mac(value)))
}

// Verify checks a signed value and returns the original.
func (s *Signer) Verify(signed string) (string, error) {
	valueB64, sigB64, ok := strings.Cut(signed, "|")
	if !ok {
		return "", fmt.Errorf("%w: format", ErrInvalidCookie)
	}

	value, err := base64.URLEncoding.DecodeString(valueB64)
	if err != nil {
		return "", fmt.Errorf("%w: value encoding", ErrInvalidCookie)
	}
	signature, err := base64.URLEncoding.DecodeString(sigB64)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrInvalidCookie)
	}

	if !hmac.Equal(signature, s.mac(string(value))) {
		return "", fmt.Errorf("%w: signature", ErrInvalidCookie)
	}
	return string(value), nil
}

func (s *Signer) mac(value string) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(value))
	return m.Sum(nil)
}
