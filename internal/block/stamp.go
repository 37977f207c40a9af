package block

import (
	"cmp"
	"math"
	"strings"
)

// Stamp totally orders writes: Lamport clock first, actor id second.
type Stamp struct {
	Clock uint64 `json:"clock"`
	Actor string `json:"actor"`
}

func (s Stamp) Compare(other Stamp) int {
	if c := cmp.Compare(s.Clock, other.Clock); c != 0 {
		return c
	}
	return strings.Compare(s.Actor, other.Actor)
}

func (s Stamp) Less(other Stamp) bool {
	return s.Compare(other) < 0
}

func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Actor == ""
}

// Clock is a Lamport clock for one actor. Tick before issuing an operation,
// Observe every clock value received from the document. Not safe for
// concurrent use.
type Clock struct {
	now uint64
}

// Tick advances the clock and returns the value for the next operation.
// It never wraps around to zero.
func (c *Clock) Tick() (uint64, error) {
	if c.now == math.MaxUint64 {
		return 0, ErrClockExhausted
	}
	c.now++
	return c.now, nil
}

// Observe merges a clock value seen on an incoming delta or snapshot.
func (c *Clock) Observe(seen uint64) {
	if seen > c.now {
		c.now = seen
	}
}

func (c *Clock) Now() uint64 {
	return c.now
}
