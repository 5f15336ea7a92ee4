package sip

import (
	"encoding/json"
	"time"

	"braces.dev/errtrace"
)

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// CancelGrace is how long an INVITE client transaction lingers after the
	// CANCEL was answered, waiting for the final response to the INVITE.
	CancelGrace = 4 * time.Second
)

// TimingConfig represents SIP timing config.
// It is used to configure SIP timers as described in RFC 3261.
// Zero value uses default base values [T1], [T2], [T4], [TimeD].
// All other timings are calculated based on these base values unless
// overridden with [TimingConfig.WithTimeouts].
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	timeB, timeC, timeF time.Duration
}

var defTimingCfg TimingConfig

// NewTimings creates a new SIP timing config with specified base values.
// See [TimingConfig] for more details about how base timing values are used.
func NewTimings(t1, t2, t4, timeD time.Duration) TimingConfig {
	return TimingConfig{t1: t1, t2: t2, t4: t4, timeD: timeD}
}

// WithTimeouts returns a copy of the config with Timer B, C and F overrides.
// Zero values keep the computed defaults.
func (c TimingConfig) WithTimeouts(timeB, timeC, timeF time.Duration) TimingConfig {
	c.timeB, c.timeC, c.timeF = timeB, timeC, timeF
	return c
}

// T1 is the message RTT estimate.
// It is equal to [T1] if not specified.
func (c TimingConfig) T1() time.Duration {
	if c.t1 == 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
// It is equal to [T2] if not specified.
func (c TimingConfig) T2() time.Duration {
	if c.t2 == 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
// It is equal to [T4] if not specified.
func (c TimingConfig) T4() time.Duration {
	if c.t4 == 0 {
		return T4
	}
	return c.t4
}

// TimeA returns initial INVITE request retransmit interval for unreliable transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB returns INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1] if not overridden.
func (c TimingConfig) TimeB() time.Duration {
	if c.timeB == 0 {
		return 64 * c.T1()
	}
	return c.timeB
}

// TimeC returns the INVITE transaction timeout on proxy.
// It is equal to 600*[TimingConfig.T1] if not overridden, but never less than [TimingConfig.TimeB].
func (c TimingConfig) TimeC() time.Duration {
	d := c.timeC
	if d == 0 {
		d = 600 * c.T1()
	}
	return max(d, c.TimeB())
}

// TimeC2 returns the absolute lifetime cap of an INVITE server transaction
// that is still proceeding. It is [TimingConfig.TimeC] plus [TimingConfig.T4].
func (c TimingConfig) TimeC2() time.Duration { return c.TimeC() + c.T4() }

// TimeD is the wait duration for response retransmits via unreliable transport.
// It is equal to [TimeD] if not specified.
func (c TimingConfig) TimeD() time.Duration {
	if c.timeD == 0 {
		return TimeD
	}
	return c.timeD
}

// TimeE returns initial non-INVITE request retransmit interval for unreliable transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF returns non-INVITE client transaction timeout.
// It is equal to 64*[TimingConfig.T1] if not overridden.
func (c TimingConfig) TimeF() time.Duration {
	if c.timeF == 0 {
		return 64 * c.T1()
	}
	return c.timeF
}

// TimeG returns initial INVITE response retransmit interval for any transport.
// It is equal to [TimingConfig.T1].
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH returns timeout for ACK request receipt.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI returns wait duration for ACK request retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ returns wait duration for non-INVITE request retransmits via unreliable transport.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK returns wait duration for response retransmits via unreliable transport.
// It is equal to [TimingConfig.T4].
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// TimeL returns the wait duration for accepted INVITE request retransmits.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeL() time.Duration { return 64 * c.T1() }

// TimeM returns the wait duration for retransmission of 2xx to INVITE.
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

// TimeINT1 returns the delay after which a non-INVITE server transaction
// without final response sends 100 Trying (RFC 4320 Section 4.1).
// It is equal to 7*[TimingConfig.T1], the moment Timer E reaches T2 with default values.
func (c TimingConfig) TimeINT1() time.Duration { return 7 * c.T1() }

// TimeINT2 returns the lifetime cap of a non-INVITE server transaction
// counted from INT1 expiry (RFC 4320 Section 4.2).
// It is equal to 64*[TimingConfig.T1].
func (c TimingConfig) TimeINT2() time.Duration { return 64 * c.T1() }

func (c TimingConfig) IsZero() bool { return c == TimingConfig{} }

type timingConfData struct {
	T1    time.Duration `json:"t1,omitempty"`
	T2    time.Duration `json:"t2,omitempty"`
	T4    time.Duration `json:"t4,omitempty"`
	TimeD time.Duration `json:"time_d,omitempty"`
	TimeB time.Duration `json:"time_b,omitempty"`
	TimeC time.Duration `json:"time_c,omitempty"`
	TimeF time.Duration `json:"time_f,omitempty"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{
		T1:    c.t1,
		T2:    c.t2,
		T4:    c.t4,
		TimeD: c.timeD,
		TimeB: c.timeB,
		TimeC: c.timeC,
		TimeF: c.timeF,
	}))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	*c = TimingConfig{
		t1:    d.T1,
		t2:    d.T2,
		t4:    d.T4,
		timeD: d.TimeD,
		timeB: d.TimeB,
		timeC: d.TimeC,
		timeF: d.TimeF,
	}
	return nil
}
