package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipproxy/sip"
)

// LoopHash returns the hash of the request fields a looping request keeps
// unchanged (RFC 3261 Section 16.6, step 8). The top Via is left out since
// it differs every time the request comes back.
func LoopHash(req *sip.Request) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	to, _ := req.Header.To()
	from, _ := req.Header.From()
	cseq, _ := req.Header.CSeq()
	write(to.Tag())
	write(from.Tag())
	write(req.Header.CallID())
	write(req.URI.String())
	write(strconv.FormatUint(uint64(cseq.Seq), 10))
	for _, v := range req.Header.Values("Proxy-Require") {
		write(v)
	}
	for _, v := range req.Header.Values("Proxy-Authorization") {
		write(v)
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Branch returns a branch for one forwarding attempt of a request with the loop hash.
func Branch(loopHash string) string {
	return sip.MagicCookie + loopHash + "." + sip.GenerateTag()
}

// IsLooped reports whether the request already passed this proxy unchanged:
// one of its Via entries sent by this proxy carries the loop hash of the request.
func IsLooped(req *sip.Request, isLocal func(host string, port uint16) bool) bool {
	vias, err := req.Header.Vias()
	if err != nil {
		return false
	}
	prefix := sip.MagicCookie + LoopHash(req) + "."
	for _, via := range vias {
		if strings.HasPrefix(via.Branch(), prefix) && isLocal(via.Host, via.Port) {
			return true
		}
	}
	return false
}
