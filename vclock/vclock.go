// Package vclock implements the vector clocks that identify checkpoints:
// a map from replica id to LSN, with the component sum as the scalar
// signature used in snapshot filenames.
package vclock

import (
	"fmt"
	"sort"
	"strings"
)

// Clock is a vector clock. Create one with New; the zero value has no
// component map and cannot be advanced.
type Clock struct {
	lsns map[uint32]int64
}

// New returns an empty clock.
func New() *Clock {
	return &Clock{lsns: make(map[uint32]int64)}
}

// Get returns the LSN recorded for a replica.
func (c *Clock) Get(replicaID uint32) int64 {
	return c.lsns[replicaID]
}

// Follow advances one component. Moving a component backwards is refused.
func (c *Clock) Follow(replicaID uint32, lsn int64) error {
	if lsn < c.lsns[replicaID] {
		return fmt.Errorf("vclock: lsn for replica %d moves backwards (%d < %d)",
			replicaID, lsn, c.lsns[replicaID])
	}
	c.lsns[replicaID] = lsn
	return nil
}

// Sum returns the signature: the sum of all components.
func (c *Clock) Sum() int64 {
	var sum int64
	for _, lsn := range c.lsns {
		sum += lsn
	}
	return sum
}

// Equal reports whether two clocks have identical components. A missing
// component equals zero.
func (c *Clock) Equal(other *Clock) bool {
	return c.covers(other) && other.covers(c)
}

func (c *Clock) covers(other *Clock) bool {
	for id, lsn := range other.lsns {
		if c.lsns[id] != lsn {
			return false
		}
	}
	return true
}

// Copy returns an independent copy.
func (c *Clock) Copy() *Clock {
	out := New()
	for id, lsn := range c.lsns {
		out.lsns[id] = lsn
	}
	return out
}

// Components returns the non-zero components, for encoding.
func (c *Clock) Components() map[uint32]int64 {
	out := make(map[uint32]int64, len(c.lsns))
	for id, lsn := range c.lsns {
		if lsn != 0 {
			out[id] = lsn
		}
	}
	return out
}

// FromComponents builds a clock from an encoded component map.
func FromComponents(lsns map[uint32]int64) *Clock {
	out := New()
	for id, lsn := range lsns {
		out.lsns[id] = lsn
	}
	return out
}

// String renders the clock as {id: lsn, ...} in replica order.
func (c *Clock) String() string {
	ids := make([]uint32, 0, len(c.lsns))
	for id := range c.lsns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d: %d", id, c.lsns[id])
	}
	b.WriteByte('}')
	return b.String()
}
