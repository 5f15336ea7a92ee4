package dns

import (
	"cmp"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/ghettovoice/sipproxy/sip"
)

// Targets is a resolution result.
type Targets interface {
	// Expand returns the targets in the order they must be tried.
	// rnd drives the RFC 2782 weighted selection, results that carry
	// no weights ignore it.
	Expand(rnd *rand.Rand) []sip.Target
	// TTL returns the smallest TTL seen while resolving.
	TTL() time.Duration
}

// AddrTargets is a result without SRV records: an IP literal or
// an A/AAAA lookup with a known port.
type AddrTargets struct {
	List   []sip.Target
	MinTTL time.Duration
}

// Expand returns a copy of the list.
func (t *AddrTargets) Expand(*rand.Rand) []sip.Target { return slices.Clone(t.List) }

func (t *AddrTargets) TTL() time.Duration { return t.MinTTL }

// LogValue implements [slog.LogValuer].
func (t *AddrTargets) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("targets", t.List),
		slog.Duration("ttl", t.MinTTL),
	)
}

// SrvRecord is one SRV record with the targets its host resolved to.
type SrvRecord struct {
	Priority uint16
	Weight   uint16
	Host     string
	Targets  []sip.Target
}

// SrvTargets holds the records of one SRV lookup.
type SrvTargets struct {
	Records []SrvRecord
	MinTTL  time.Duration
}

func (t *SrvTargets) TTL() time.Duration { return t.MinTTL }

// Expand orders the records by priority. Records sharing a priority are
// ordered by repeated weighted draws (RFC 2782), zero-weight records are
// shuffled and placed after the weighted ones.
func (t *SrvTargets) Expand(rnd *rand.Rand) []sip.Target {
	recs := slices.Clone(t.Records)
	slices.SortStableFunc(recs, func(a, b SrvRecord) int { return cmp.Compare(a.Priority, b.Priority) })

	var out []sip.Target
	for i := 0; i < len(recs); {
		j := i + 1
		for j < len(recs) && recs[j].Priority == recs[i].Priority {
			j++
		}
		for _, rec := range orderGroup(recs[i:j], rnd) {
			out = append(out, rec.Targets...)
		}
		i = j
	}
	return out
}

func orderGroup(group []SrvRecord, rnd *rand.Rand) []SrvRecord {
	var weighted, zero []SrvRecord
	for _, rec := range group {
		if rec.Weight == 0 {
			zero = append(zero, rec)
		} else {
			weighted = append(weighted, rec)
		}
	}

	out := make([]SrvRecord, 0, len(group))
	for len(weighted) > 0 {
		var sum int
		for _, rec := range weighted {
			sum += int(rec.Weight)
		}
		n := rnd.IntN(sum) + 1

		k := 0
		for acc := 0; k < len(weighted); k++ {
			acc += int(weighted[k].Weight)
			if acc >= n {
				break
			}
		}
		out = append(out, weighted[k])
		weighted = slices.Delete(weighted, k, k+1)
	}

	rnd.Shuffle(len(zero), func(a, b int) { zero[a], zero[b] = zero[b], zero[a] })
	return append(out, zero...)
}

// LogValue implements [slog.LogValuer].
func (t *SrvTargets) LogValue() slog.Value {
	hosts := make([]string, 0, len(t.Records))
	for _, rec := range t.Records {
		hosts = append(hosts, rec.Host)
	}
	return slog.GroupValue(
		slog.Any("srv", hosts),
		slog.Duration("ttl", t.MinTTL),
	)
}

// MultiTargets concatenates several results, one per selected NAPTR
// record or transport, in order.
type MultiTargets []Targets

func (t MultiTargets) Expand(rnd *rand.Rand) []sip.Target {
	var out []sip.Target
	for _, ts := range t {
		out = append(out, ts.Expand(rnd)...)
	}
	return out
}

func (t MultiTargets) TTL() time.Duration {
	var acc ttlAcc
	for _, ts := range t {
		acc.add(ts.TTL())
	}
	return acc.get()
}

// ttlAcc tracks the minimum TTL, zero if nothing was added.
type ttlAcc struct {
	d   time.Duration
	set bool
}

func (a *ttlAcc) add(d time.Duration) {
	if !a.set || d < a.d {
		a.d, a.set = d, true
	}
}

func (a *ttlAcc) get() time.Duration { return a.d }
