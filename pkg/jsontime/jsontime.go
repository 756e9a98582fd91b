// Package jsontime provides time.Time wrappers that serialize to epoch
// integers in JSON.
//
// Task files and queue events carry millisecond timestamps ([Milli]);
// queue stats report second resolution ([Unix]). Both unwrap to
// time.Time for arithmetic, so callers convert once at the boundary and
// work with the standard library from there.
package jsontime

import (
	"encoding/json"
	"time"
)

// Milli serializes as Unix milliseconds.
type Milli time.Time

// NowEpochMilli returns the current time as Milli.
func NowEpochMilli() Milli {
	return Milli(time.Now())
}

// MarshalJSON implements json.Marshaler.
func (m Milli) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(m).UnixMilli())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Milli) UnmarshalJSON(b []byte) error {
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*m = Milli(time.UnixMilli(ms))
	return nil
}

// Time unwraps to time.Time.
func (m Milli) Time() time.Time { return time.Time(m) }

// IsZero reports whether m is the zero instant.
func (m Milli) IsZero() bool { return time.Time(m).IsZero() }

// Before reports whether m is before t.
func (m Milli) Before(t Milli) bool { return time.Time(m).Before(time.Time(t)) }

// After reports whether m is after t.
func (m Milli) After(t Milli) bool { return time.Time(m).After(time.Time(t)) }

// Equal reports whether m and t are the same instant.
func (m Milli) Equal(t Milli) bool { return time.Time(m).Equal(time.Time(t)) }

// Add returns m shifted by d.
func (m Milli) Add(d time.Duration) Milli { return Milli(time.Time(m).Add(d)) }

// Sub returns m - t.
func (m Milli) Sub(t Milli) time.Duration { return time.Time(m).Sub(time.Time(t)) }

func (m Milli) String() string { return time.Time(m).String() }

// Unix serializes as Unix seconds.
type Unix time.Time

// NowEpoch returns the current time as Unix.
func NowEpoch() Unix {
	return Unix(time.Now())
}

// MarshalJSON implements json.Marshaler.
func (u Unix) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(u).Unix())
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *Unix) UnmarshalJSON(b []byte) error {
	var sec int64
	if err := json.Unmarshal(b, &sec); err != nil {
		return err
	}
	*u = Unix(time.Unix(sec, 0))
	return nil
}

// Time unwraps to time.Time.
func (u Unix) Time() time.Time { return time.Time(u) }

// IsZero reports whether u is the zero instant. encoding/json's
// omitzero option calls this, which is how an idle queue's stats omit
// oldest_pending_at.
func (u Unix) IsZero() bool { return time.Time(u).IsZero() }

// Before reports whether u is before t.
func (u Unix) Before(t Unix) bool { return time.Time(u).Before(time.Time(t)) }

// After reports whether u is after t.
func (u Unix) After(t Unix) bool { return time.Time(u).After(time.Time(t)) }

// Equal reports whether u and t are the same instant.
func (u Unix) Equal(t Unix) bool { return time.Time(u).Equal(time.Time(t)) }

// Add returns u shifted by d.
func (u Unix) Add(d time.Duration) Unix { return Unix(time.Time(u).Add(d)) }

// Sub returns u - t.
func (u Unix) Sub(t Unix) time.Duration { return time.Time(u).Sub(time.Time(t)) }

func (u Unix) String() string { return time.Time(u).String() }
