package proxy

import (
	"log/slog"
	"time"

	"github.com/ghettovoice/sipproxy/metrics"
	"github.com/ghettovoice/sipproxy/sip"
)

// BlacklistEntry is a remembered failure of a target.
type BlacklistEntry struct {
	Target sip.Target
	Status sip.ResponseStatus
	Reason string
	// Response is the final response the target failed with, nil for
	// timeouts and transport failures.
	Response *sip.Response
	Code     string
	Expires  time.Time
}

// LogValue implements [slog.LogValuer].
func (e *BlacklistEntry) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("target", e.Target),
		slog.Int("status", int(e.Status)),
		slog.String("code", e.Code),
		slog.Time("expires", e.Expires),
	)
}

// Blacklist holds targets that recently failed. Routing skips them and
// reuses the stored failure instead of contacting the target.
//
// Blacklist is safe for concurrent use.
type Blacklist struct {
	entries *expiringLRU[string, *BlacklistEntry]
	metrics *metrics.Metrics
}

// NewBlacklist creates a blacklist holding at most size entries.
func NewBlacklist(size int, m *metrics.Metrics) *Blacklist {
	if size <= 0 {
		size = 4096
	}
	return &Blacklist{
		entries: newExpiringLRU[string, *BlacklistEntry](size, m.BlacklistSize),
		metrics: m,
	}
}

// Lookup returns the entry of the target if it is blacklisted.
func (b *Blacklist) Lookup(t sip.Target) (*BlacklistEntry, bool) {
	e, _, ok := b.entries.get(t.String())
	if ok {
		b.metrics.BlacklistHit()
	}
	return e, ok
}

// Insert blacklists the target for ttl.
func (b *Blacklist) Insert(
	t sip.Target,
	status sip.ResponseStatus,
	reason string,
	res *sip.Response,
	code string,
	ttl time.Duration,
) *BlacklistEntry {
	e := &BlacklistEntry{
		Target:   t,
		Status:   status,
		Reason:   reason,
		Response: res,
		Code:     code,
	}
	e.Expires = b.entries.put(t.String(), e, ttl)
	b.metrics.BlacklistInsert(code, b.entries.len())
	return e
}

// Remove unblocks the target.
func (b *Blacklist) Remove(t sip.Target) bool { return b.entries.remove(t.String()) }

// Len returns the number of entries.
func (b *Blacklist) Len() int { return b.entries.len() }

// Clear removes all entries.
func (b *Blacklist) Clear() { b.entries.purge() }
