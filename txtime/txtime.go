// Package txtime computes transmit timestamps for time-sensitive networking.
//
// A TSN schedule divides time into fixed periods. Each period reserves a
// real-time (RT) slot starting at a fixed offset; the rest of the period is
// best-effort (BE). Senders hand the computed timestamp to a deadline-mode
// transmit primitive (SO_TXTIME) and never block here.
//
//	|<------------------------ period ------------------------>|
//	|   BE   | req_offset ^        | RT slot (reservation) ... |
//	+--------+------------+--------+---------------------------+
//	now_normalized        now      now_normalized+reservation
package txtime

import (
	"errors"
	"time"
)

// DefaultThreshold is the guard band added to "send now" timestamps.
const DefaultThreshold = 10 * time.Nanosecond

var ErrInvalidPeriod = errors.New("period must be greater than 0")

// Schedule describes the TSN configuration a sender computes against.
type Schedule struct {
	// Period is the length of one schedule cycle.
	Period time.Duration
	// Reservation is the offset of the RT slot from the start of a period.
	Reservation time.Duration
	// HasRTSlot is false when the schedule reserves no real-time window.
	HasRTSlot bool
	// DynamicTiming sends as soon as possible (now + Threshold) instead of
	// aligning to the RT slot.
	DynamicTiming bool
	// Threshold is the guard band between now and the earliest send time.
	Threshold time.Duration
}

// DefaultSchedule matches the reference deployment: an RT slot exists and
// dynamic timing is enabled.
func DefaultSchedule() Schedule {
	return Schedule{
		Period:        time.Millisecond,
		Reservation:   500 * time.Microsecond,
		HasRTSlot:     true,
		DynamicTiming: true,
		Threshold:     DefaultThreshold,
	}
}

// Validate checks if the schedule is usable.
func (s Schedule) Validate() error {
	if s.Period <= 0 {
		return ErrInvalidPeriod
	}
	if s.Reservation < 0 || s.Reservation >= s.Period {
		return errors.New("reservation must be within [0, period)")
	}
	if s.Threshold < 0 {
		return errors.New("threshold must not be negative")
	}
	return nil
}

// Normalize returns the start of the period containing ts.
func Normalize(ts, period uint64) uint64 {
	return (ts / period) * period
}

// ComputeSendTime returns the transmit timestamp (ns) for a packet produced
// at now (ns). The result is never earlier than now.
func (s Schedule) ComputeSendTime(now uint64) uint64 {
	if !s.HasRTSlot {
		return now
	}

	threshold := uint64(s.Threshold)
	if s.DynamicTiming {
		return now + threshold
	}

	period := uint64(s.Period)
	reservation := uint64(s.Reservation)

	nowNormalized := Normalize(now, period)
	requestOffset := now - nowNormalized

	if requestOffset+threshold <= reservation {
		return nowNormalized + reservation
	}
	// Already in (or too close to) this period's RT slot: wait for the next one.
	return nowNormalized + period + reservation
}

// ComputeSendTime is the functional form used by callers that do not keep a
// Schedule around. It uses the reference configuration's flags.
func ComputeSendTime(now uint64, period, reservation time.Duration) uint64 {
	s := DefaultSchedule()
	s.Period = period
	s.Reservation = reservation
	return s.ComputeSendTime(now)
}
