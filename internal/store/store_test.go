package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
)

type factory func(t *testing.T) Store

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(nil)
		},
		"badger": func(t *testing.T) Store {
			s, err := NewBadgerStore(BadgerOptions{InMemory: true})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, newStore(t))
		})
	}
}

func newNode(uuid, name string) *v1alpha1.Node {
	return &v1alpha1.Node{
		UUID:               uuid,
		Name:               name,
		ProvisionState:     v1alpha1.StateEnroll,
		PowerState:         v1alpha1.PowerUnknown,
		DriverInternalInfo: v1alpha1.DriverInternalInfo{StepIndex: -1},
	}
}

func TestNodeCRUD(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateNode(ctx, newNode("u1", "rack1-node1")))
		assert.ErrorIs(t, s.CreateNode(ctx, newNode("u1", "")), errdefs.ErrConflict)
		assert.ErrorIs(t, s.CreateNode(ctx, newNode("u2", "rack1-node1")), errdefs.ErrConflict)

		byUUID, err := s.GetNode(ctx, "u1")
		require.NoError(t, err)
		byName, err := s.GetNode(ctx, "rack1-node1")
		require.NoError(t, err)
		assert.Equal(t, byUUID, byName)
		assert.Equal(t, int64(1), byUUID.Revision)

		_, err = s.GetNode(ctx, "missing")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)

		updated, err := s.UpdateNode(ctx, "u1", func(n *v1alpha1.Node) error {
			n.Maintenance = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, updated.Maintenance)
		assert.Equal(t, int64(2), updated.Revision)

		_, err = s.UpdateNode(ctx, "u1", func(n *v1alpha1.Node) error {
			n.Name = "renamed"
			return nil
		})
		assert.ErrorIs(t, err, errdefs.ErrInvalidParameter, "name is immutable once set")

		require.NoError(t, s.DeleteNode(ctx, "u1", ""))
		_, err = s.GetNode(ctx, "rack1-node1")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})
}

func TestUpdateNodeAbortsOnMutateError(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateNode(ctx, newNode("u1", "")))

		sentinel := fmt.Errorf("refused")
		_, err := s.UpdateNode(ctx, "u1", func(n *v1alpha1.Node) error {
			n.Reservation = "c1"
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)

		n, err := s.GetNode(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, n.Reservation)
		assert.Equal(t, int64(1), n.Revision)
	})
}

func TestConcurrentReservationCAS(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateNode(ctx, newNode("u1", "")))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				holder := fmt.Sprintf("c%d", i)
				_, err := s.UpdateNode(ctx, "u1", func(n *v1alpha1.Node) error {
					if n.Reservation != "" {
						return &errdefs.LockedError{Node: n.UUID, Holder: n.Reservation}
					}
					n.Reservation = holder
					return nil
				})
				if err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, errdefs.ErrBusy)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestDeleteNodeRequiresHolder(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		n := newNode("u1", "")
		n.Reservation = "c1"
		require.NoError(t, s.CreateNode(ctx, n))
		require.NoError(t, s.CreatePort(ctx, &v1alpha1.Port{UUID: "p1", NodeUUID: "u1", Address: "52:54:00:12:34:56"}))

		assert.ErrorIs(t, s.DeleteNode(ctx, "u1", "c2"), errdefs.ErrBusy)
		require.NoError(t, s.DeleteNode(ctx, "u1", "c1"))

		_, err := s.GetPort(ctx, "p1")
		assert.ErrorIs(t, err, errdefs.ErrNotFound, "ports are removed with their node")
	})
}

func TestPortMACUnique(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateNode(ctx, newNode("u1", "")))
		require.NoError(t, s.CreateNode(ctx, newNode("u2", "")))

		require.NoError(t, s.CreatePort(ctx, &v1alpha1.Port{UUID: "p1", NodeUUID: "u1", Address: "52:54:00:AA:BB:CC"}))
		err := s.CreatePort(ctx, &v1alpha1.Port{UUID: "p2", NodeUUID: "u2", Address: "52:54:00:aa:bb:cc"})
		assert.ErrorIs(t, err, errdefs.ErrConflict)

		err = s.CreatePort(ctx, &v1alpha1.Port{UUID: "p3", NodeUUID: "u2", Address: "not-a-mac"})
		assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)

		err = s.CreatePort(ctx, &v1alpha1.Port{UUID: "p4", NodeUUID: "nope", Address: "52:54:00:00:00:01"})
		assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)

		p, err := s.GetPort(ctx, "52:54:00:aa:bb:cc")
		require.NoError(t, err)
		assert.Equal(t, "p1", p.UUID)

		require.NoError(t, s.DeletePort(ctx, "p1"))
		require.NoError(t, s.CreatePort(ctx, &v1alpha1.Port{UUID: "p2", NodeUUID: "u2", Address: "52:54:00:aa:bb:cc"}),
			"MAC is free again after delete")

		ports, err := s.ListPorts(ctx, "u2")
		require.NoError(t, err)
		assert.Len(t, ports, 1)
	})
}

func TestPortGroups(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateNode(ctx, newNode("u1", "")))
		require.NoError(t, s.CreateNode(ctx, newNode("u2", "")))
		require.NoError(t, s.CreatePortGroup(ctx, &v1alpha1.PortGroup{UUID: "g1", NodeUUID: "u1", Mode: "802.3ad"}))

		err := s.CreatePort(ctx, &v1alpha1.Port{UUID: "p1", NodeUUID: "u2", PortGroupUUID: "g1", Address: "52:54:00:00:00:01"})
		assert.ErrorIs(t, err, errdefs.ErrInvalidParameter, "group of another node")

		require.NoError(t, s.CreatePort(ctx, &v1alpha1.Port{UUID: "p1", NodeUUID: "u1", PortGroupUUID: "g1", Address: "52:54:00:00:00:01"}))
		require.NoError(t, s.DeletePortGroup(ctx, "g1"))

		p, err := s.GetPort(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, p.PortGroupUUID)
	})
}

func TestDeleteChassisDetachesNodes(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateChassis(ctx, &v1alpha1.Chassis{UUID: "ch1"}))

		n := newNode("u1", "")
		n.ChassisUUID = "ch1"
		require.NoError(t, s.CreateNode(ctx, n))

		bad := newNode("u2", "")
		bad.ChassisUUID = "ch-missing"
		assert.ErrorIs(t, s.CreateNode(ctx, bad), errdefs.ErrInvalidParameter)

		require.NoError(t, s.DeleteChassis(ctx, "ch1"))

		got, err := s.GetNode(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, got.ChassisUUID)

		_, err = s.GetChassis(ctx, "ch1")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})
}

func TestListNodesFilter(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newNode("a", "")
		a.Reservation = "c1"
		a.ProvisionState = v1alpha1.StateCleaning
		b := newNode("b", "")
		b.Maintenance = true
		require.NoError(t, s.CreateNode(ctx, a))
		require.NoError(t, s.CreateNode(ctx, b))
		require.NoError(t, s.CreateNode(ctx, newNode("c", "")))

		maint := true
		tests := []struct {
			name   string
			filter NodeFilter
			want   int
		}{
			{"all", NodeFilter{}, 3},
			{"reserved", NodeFilter{Reserved: true}, 1},
			{"by holder", NodeFilter{Reservation: "c1"}, 1},
			{"by state", NodeFilter{ProvisionState: v1alpha1.StateEnroll}, 2},
			{"maintenance", NodeFilter{Maintenance: &maint}, 1},
		}
		for _, tt := range tests {
			nodes, err := s.ListNodes(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, nodes, tt.want, tt.name)
		}
	})
}
