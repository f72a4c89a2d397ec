package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"

	"github.com/lumastudio/agentgate/internal/auth"
	"github.com/lumastudio/agentgate/internal/pipeline"
)

// confirmationToken signs the studio, session, tool and arguments of a call
// that needs confirmation. Argument whitespace is not significant.
func (d *Dependencies) confirmationToken(p *auth.Principal, sessionID, tool string, args json.RawMessage) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, pipeline.NormalizeArgs(args)); err != nil {
		compact.Reset()
		compact.Write(args)
	}

	h := hmac.New(sha256.New, d.ConfirmKey)
	for _, part := range [][]byte{[]byte(p.StudioID), []byte(sessionID), []byte(tool), compact.Bytes()} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// confirmed reports whether token approves exactly this call.
func (d *Dependencies) confirmed(p *auth.Principal, sessionID, tool string, args json.RawMessage, token string) bool {
	if token == "" {
		return false
	}
	expected := d.confirmationToken(p, sessionID, tool, args)
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func newConfirmKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("api: read random confirmation key: " + err.Error())
	}
	return key
}
