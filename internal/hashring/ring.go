// Package hashring maps nodes to the conductors responsible for them.
//
// A Ring is an immutable snapshot built from an explicit member list. Each
// member contributes a fixed number of virtual points hashed with xxhash, so a
// membership change remaps only the nodes adjacent to the moved points.
// Ownership queries are pure functions of the snapshot: every caller holding
// the same membership computes the same owners.
package hashring

import (
	"slices"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultVirtualNodes is the number of ring points per member.
	DefaultVirtualNodes = 64
	// DefaultReplicas is the number of owners returned per node.
	DefaultReplicas = 1
)

type point struct {
	hash   uint64
	member string
}

// Ring is a consistent hash ring snapshot.
type Ring struct {
	members      []string
	points       []point
	replicas     int
	virtualNodes int
}

// Option configures a Ring.
type Option func(*Ring)

// WithVirtualNodes sets the number of points each member places on the ring.
func WithVirtualNodes(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.virtualNodes = n
		}
	}
}

// WithReplicas sets how many distinct owners OwnersOf returns.
func WithReplicas(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.replicas = n
		}
	}
}

// New builds a ring over members. Duplicates and empty names are ignored and
// the input order does not matter.
func New(members []string, opts ...Option) *Ring {
	r := &Ring{
		replicas:     DefaultReplicas,
		virtualNodes: DefaultVirtualNodes,
	}
	for _, opt := range opts {
		opt(r)
	}

	uniq := make([]string, 0, len(members))
	for _, m := range members {
		if m != "" && !slices.Contains(uniq, m) {
			uniq = append(uniq, m)
		}
	}
	slices.Sort(uniq)
	r.members = uniq

	r.points = make([]point, 0, len(uniq)*r.virtualNodes)
	for _, m := range uniq {
		for i := 0; i < r.virtualNodes; i++ {
			r.points = append(r.points, point{
				hash:   xxhash.Sum64String(m + "#" + strconv.Itoa(i)),
				member: m,
			})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash == r.points[j].hash {
			return r.points[i].member < r.points[j].member
		}
		return r.points[i].hash < r.points[j].hash
	})
	return r
}

// Members returns the sorted member list.
func (r *Ring) Members() []string {
	return slices.Clone(r.members)
}

// Len returns the number of members.
func (r *Ring) Len() int {
	return len(r.members)
}

// Has reports whether member is part of the ring.
func (r *Ring) Has(member string) bool {
	_, found := slices.BinarySearch(r.members, member)
	return found
}

// OwnersOf returns up to the configured number of distinct members
// responsible for nodeID, primary owner first.
func (r *Ring) OwnersOf(nodeID string) []string {
	if r == nil || len(r.points) == 0 {
		return nil
	}
	want := min(r.replicas, len(r.members))

	h := xxhash.Sum64String(nodeID)
	start := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})

	owners := make([]string, 0, want)
	for i := 0; i < len(r.points) && len(owners) < want; i++ {
		p := r.points[(start+i)%len(r.points)]
		if !slices.Contains(owners, p.member) {
			owners = append(owners, p.member)
		}
	}
	return owners
}

// Primary returns the first owner of nodeID, or "" for an empty ring.
func (r *Ring) Primary(nodeID string) string {
	owners := r.OwnersOf(nodeID)
	if len(owners) == 0 {
		return ""
	}
	return owners[0]
}

// IsOwner reports whether member is among the owners of nodeID.
func (r *Ring) IsOwner(nodeID, member string) bool {
	return slices.Contains(r.OwnersOf(nodeID), member)
}

// Diff returns the node IDs whose primary owner differs between old and next.
func Diff(old, next *Ring, nodeIDs []string) []string {
	var moved []string
	for _, id := range nodeIDs {
		if old.Primary(id) != next.Primary(id) {
			moved = append(moved, id)
		}
	}
	return moved
}
