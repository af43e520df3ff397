// Package clock provides the per-actor logical clock used to order and
// deduplicate document operations.
package clock

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ActorID identifies a single peer session. A restarted peer must use a new
// ActorID since its counter starts over at 1.
type ActorID string

// NewActorID returns a random actor id.
func NewActorID() ActorID {
	return ActorID(uuid.NewString())
}

// NewNamedActorID returns a random actor id prefixed with name, which only
// makes logs easier to follow. An empty name gives a bare random id.
func NewNamedActorID(name string) ActorID {
	if name == "" {
		return NewActorID()
	}
	return ActorID(name + "-" + uuid.NewString())
}

// Stamp is the logical clock value attached to an operation.
type Stamp struct {
	Actor   ActorID `json:"actorId"`
	Counter uint64  `json:"counter"`
}

// Compare orders stamps by counter, breaking ties by actor id.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Counter < o.Counter:
		return -1
	case s.Counter > o.Counter:
		return 1
	}
	return strings.Compare(string(s.Actor), string(o.Actor))
}

// After reports whether s is strictly greater than o.
func (s Stamp) After(o Stamp) bool {
	return s.Compare(o) > 0
}

// IsZero reports whether the stamp was never assigned.
func (s Stamp) IsZero() bool {
	return s.Counter == 0 && s.Actor == ""
}

func (s Stamp) String() string {
	return fmt.Sprintf("(%s,%d)", s.Actor, s.Counter)
}

// Max returns the greater of two stamps.
func Max(a, b Stamp) Stamp {
	if b.After(a) {
		return b
	}
	return a
}

// Clock is a monotonic counter for the local actor. It is not safe for
// concurrent use.
type Clock struct {
	actor   ActorID
	counter uint64
}

func New(actor ActorID) *Clock {
	return &Clock{actor: actor}
}

func (c *Clock) Actor() ActorID {
	return c.actor
}

// Current returns the last counter handed out or witnessed.
func (c *Clock) Current() uint64 {
	return c.counter
}

// Next returns a stamp strictly greater than every stamp returned or
// witnessed before.
func (c *Clock) Next() Stamp {
	c.counter++
	return Stamp{Actor: c.actor, Counter: c.counter}
}

// Witness folds in a counter observed from another actor so that the next
// local stamp orders after it.
func (c *Clock) Witness(counter uint64) {
	if counter > c.counter {
		c.counter = counter
	}
}

// Vector records the highest counter seen per actor.
type Vector map[ActorID]uint64

// Observe records the stamp and reports whether it was new. A stamp whose
// counter is not above the recorded one is stale.
func (v Vector) Observe(s Stamp) bool {
	if s.Counter <= v[s.Actor] {
		return false
	}
	v[s.Actor] = s.Counter
	return true
}

// Seen reports whether the stamp is covered by the vector.
func (v Vector) Seen(s Stamp) bool {
	return s.Counter <= v[s.Actor]
}

func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for actor, counter := range v {
		out[actor] = counter
	}
	return out
}
