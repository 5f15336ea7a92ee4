package transport

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const flowMACSize = 10

// flowSigner builds RFC 5626 flow tokens: the connection id signed with HMAC-SHA256.
// Tokens only contain URI user characters.
type flowSigner struct {
	key []byte
}

func newFlowSigner(key []byte) *flowSigner {
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key) //nolint:errcheck
	}
	return &flowSigner{key: append([]byte(nil), key...)}
}

func (s *flowSigner) mac(id string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(id))
	return h.Sum(nil)[:flowMACSize]
}

func (s *flowSigner) token(id string) string {
	return base64.RawURLEncoding.EncodeToString(append(s.mac(id), id...))
}

func (s *flowSigner) parse(token string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(b) <= flowMACSize {
		return "", false
	}
	id := string(b[flowMACSize:])
	if !hmac.Equal(b[:flowMACSize], s.mac(id)) {
		return "", false
	}
	return id, true
}
