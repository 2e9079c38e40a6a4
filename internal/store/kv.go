package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"

	"k8s.io/utils/clock"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
)

const (
	nodePrefix      = "node/"
	nodeNamePrefix  = "nodename/"
	portPrefix      = "port/"
	portMACPrefix   = "portmac/"
	portGroupPrefix = "portgroup/"
	chassisPrefix   = "chassis/"
)

// txn is a read-write view of the key space.
type txn interface {
	get(key string) ([]byte, error)
	set(key string, val []byte) error
	del(key string) error
	scan(prefix string, fn func(key string, val []byte) error) error
}

// backend runs transactions. update must be atomic and isolated.
type backend interface {
	update(fn func(txn) error) error
	view(fn func(txn) error) error
	close() error
}

// KVStore implements Store on top of a transactional key-value backend.
type KVStore struct {
	b     backend
	clock clock.PassiveClock
}

var _ Store = (*KVStore)(nil)

func newKVStore(b backend, clk clock.PassiveClock) *KVStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &KVStore{b: b, clock: clk}
}

func getJSON(t txn, key string, out any) error {
	raw, err := t.get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func setJSON(t txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.set(key, raw)
}

func exists(t txn, key string) (bool, error) {
	_, err := t.get(key)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	}
	return false, err
}

var errReadOnly = errors.New("write in read-only transaction")

// isNotFound matches missing keys. Backends report them as errdefs.ErrNotFound.
func isNotFound(err error) bool {
	return errors.Is(err, errdefs.ErrNotFound)
}

// NormalizeMAC lowercases and validates a MAC address.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", fmt.Errorf("invalid MAC address %q: %w", mac, errdefs.ErrInvalidParameter)
	}
	return hw.String(), nil
}

// Nodes

func (s *KVStore) CreateNode(_ context.Context, n *v1alpha1.Node) error {
	if n.UUID == "" {
		return fmt.Errorf("node UUID is required: %w", errdefs.ErrInvalidParameter)
	}
	return s.b.update(func(t txn) error {
		if ok, err := exists(t, nodePrefix+n.UUID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("node %s already exists: %w", n.UUID, errdefs.ErrConflict)
		}
		if n.Name != "" {
			if ok, err := exists(t, nodeNamePrefix+n.Name); err != nil {
				return err
			} else if ok {
				return fmt.Errorf("node name %q is taken: %w", n.Name, errdefs.ErrConflict)
			}
			if err := t.set(nodeNamePrefix+n.Name, []byte(n.UUID)); err != nil {
				return err
			}
		}
		if err := s.checkChassis(t, n.ChassisUUID); err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		n.CreatedAt = now
		n.UpdatedAt = now
		n.Revision = 1
		return setJSON(t, nodePrefix+n.UUID, n)
	})
}

func (s *KVStore) GetNode(_ context.Context, ident string) (*v1alpha1.Node, error) {
	var out *v1alpha1.Node
	err := s.b.view(func(t txn) error {
		n, err := getNode(t, ident)
		out = n
		return err
	})
	return out, err
}

func getNode(t txn, ident string) (*v1alpha1.Node, error) {
	var n v1alpha1.Node
	err := getJSON(t, nodePrefix+ident, &n)
	if isNotFound(err) {
		raw, nameErr := t.get(nodeNamePrefix + ident)
		if nameErr != nil {
			if isNotFound(nameErr) {
				return nil, fmt.Errorf("node %s: %w", ident, errdefs.ErrNotFound)
			}
			return nil, nameErr
		}
		err = getJSON(t, nodePrefix+string(raw), &n)
	}
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("node %s: %w", ident, errdefs.ErrNotFound)
		}
		return nil, err
	}
	return &n, nil
}

func (s *KVStore) ListNodes(_ context.Context, filter NodeFilter) ([]*v1alpha1.Node, error) {
	var out []*v1alpha1.Node
	err := s.b.view(func(t txn) error {
		return t.scan(nodePrefix, func(_ string, val []byte) error {
			var n v1alpha1.Node
			if err := json.Unmarshal(val, &n); err != nil {
				return err
			}
			if filter.matches(&n) {
				out = append(out, &n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].UUID < out[j].UUID) })
	return out, nil
}

func (s *KVStore) UpdateNode(_ context.Context, uuid string, mutate MutateFunc) (*v1alpha1.Node, error) {
	var out *v1alpha1.Node
	err := s.b.update(func(t txn) error {
		var n v1alpha1.Node
		if err := getJSON(t, nodePrefix+uuid, &n); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("node %s: %w", uuid, errdefs.ErrNotFound)
			}
			return err
		}
		before := n.DeepCopy()

		if err := mutate(&n); err != nil {
			return err
		}
		if n.UUID != before.UUID {
			return fmt.Errorf("node UUID is immutable: %w", errdefs.ErrInvalidParameter)
		}
		if n.Name != before.Name {
			if before.Name != "" {
				return fmt.Errorf("node name is immutable once set: %w", errdefs.ErrInvalidParameter)
			}
			if ok, err := exists(t, nodeNamePrefix+n.Name); err != nil {
				return err
			} else if ok {
				return fmt.Errorf("node name %q is taken: %w", n.Name, errdefs.ErrConflict)
			}
			if err := t.set(nodeNamePrefix+n.Name, []byte(n.UUID)); err != nil {
				return err
			}
		}
		if n.ChassisUUID != before.ChassisUUID {
			if err := s.checkChassis(t, n.ChassisUUID); err != nil {
				return err
			}
		}

		n.CreatedAt = before.CreatedAt
		n.UpdatedAt = s.clock.Now().UTC()
		n.Revision = before.Revision + 1
		out = &n
		return setJSON(t, nodePrefix+uuid, &n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *KVStore) DeleteNode(_ context.Context, uuid, holder string) error {
	return s.b.update(func(t txn) error {
		var n v1alpha1.Node
		if err := getJSON(t, nodePrefix+uuid, &n); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("node %s: %w", uuid, errdefs.ErrNotFound)
			}
			return err
		}
		if n.Reservation != holder {
			return &errdefs.LockedError{Node: uuid, Holder: n.Reservation}
		}

		var ports []v1alpha1.Port
		if err := t.scan(portPrefix, func(_ string, val []byte) error {
			var p v1alpha1.Port
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			if p.NodeUUID == uuid {
				ports = append(ports, p)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, p := range ports {
			if err := t.del(portPrefix + p.UUID); err != nil {
				return err
			}
			if err := t.del(portMACPrefix + p.Address); err != nil {
				return err
			}
		}

		var groups []string
		if err := t.scan(portGroupPrefix, func(key string, val []byte) error {
			var pg v1alpha1.PortGroup
			if err := json.Unmarshal(val, &pg); err != nil {
				return err
			}
			if pg.NodeUUID == uuid {
				groups = append(groups, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, key := range groups {
			if err := t.del(key); err != nil {
				return err
			}
		}

		if n.Name != "" {
			if err := t.del(nodeNamePrefix + n.Name); err != nil {
				return err
			}
		}
		return t.del(nodePrefix + uuid)
	})
}

func (s *KVStore) checkChassis(t txn, uuid string) error {
	if uuid == "" {
		return nil
	}
	ok, err := exists(t, chassisPrefix+uuid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("chassis %s: %w", uuid, errdefs.ErrInvalidParameter)
	}
	return nil
}

// Ports

func (s *KVStore) CreatePort(_ context.Context, p *v1alpha1.Port) error {
	if p.UUID == "" {
		return fmt.Errorf("port UUID is required: %w", errdefs.ErrInvalidParameter)
	}
	mac, err := NormalizeMAC(p.Address)
	if err != nil {
		return err
	}
	p.Address = mac

	return s.b.update(func(t txn) error {
		if ok, err := exists(t, nodePrefix+p.NodeUUID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("node %s: %w", p.NodeUUID, errdefs.ErrInvalidParameter)
		}
		if ok, err := exists(t, portMACPrefix+mac); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("MAC address %s is already in use: %w", mac, errdefs.ErrConflict)
		}
		if ok, err := exists(t, portPrefix+p.UUID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("port %s already exists: %w", p.UUID, errdefs.ErrConflict)
		}
		if p.PortGroupUUID != "" {
			var pg v1alpha1.PortGroup
			if err := getJSON(t, portGroupPrefix+p.PortGroupUUID, &pg); err != nil {
				if isNotFound(err) {
					return fmt.Errorf("port group %s: %w", p.PortGroupUUID, errdefs.ErrInvalidParameter)
				}
				return err
			}
			if pg.NodeUUID != p.NodeUUID {
				return fmt.Errorf("port group %s belongs to another node: %w", pg.UUID, errdefs.ErrInvalidParameter)
			}
		}
		p.CreatedAt = s.clock.Now().UTC()
		if err := t.set(portMACPrefix+mac, []byte(p.UUID)); err != nil {
			return err
		}
		return setJSON(t, portPrefix+p.UUID, p)
	})
}

func (s *KVStore) GetPort(_ context.Context, ident string) (*v1alpha1.Port, error) {
	var p v1alpha1.Port
	err := s.b.view(func(t txn) error {
		err := getJSON(t, portPrefix+ident, &p)
		if !isNotFound(err) {
			return err
		}
		mac, macErr := NormalizeMAC(ident)
		if macErr != nil {
			return fmt.Errorf("port %s: %w", ident, errdefs.ErrNotFound)
		}
		uuid, err := t.get(portMACPrefix + mac)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("port %s: %w", ident, errdefs.ErrNotFound)
			}
			return err
		}
		return getJSON(t, portPrefix+string(uuid), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *KVStore) ListPorts(_ context.Context, nodeUUID string) ([]*v1alpha1.Port, error) {
	var out []*v1alpha1.Port
	err := s.b.view(func(t txn) error {
		return t.scan(portPrefix, func(_ string, val []byte) error {
			var p v1alpha1.Port
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			if nodeUUID == "" || p.NodeUUID == nodeUUID {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

func (s *KVStore) DeletePort(_ context.Context, uuid string) error {
	return s.b.update(func(t txn) error {
		var p v1alpha1.Port
		if err := getJSON(t, portPrefix+uuid, &p); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("port %s: %w", uuid, errdefs.ErrNotFound)
			}
			return err
		}
		if err := t.del(portMACPrefix + p.Address); err != nil {
			return err
		}
		return t.del(portPrefix + uuid)
	})
}

// Port groups

func (s *KVStore) CreatePortGroup(_ context.Context, pg *v1alpha1.PortGroup) error {
	if pg.UUID == "" {
		return fmt.Errorf("port group UUID is required: %w", errdefs.ErrInvalidParameter)
	}
	if pg.Address != "" {
		mac, err := NormalizeMAC(pg.Address)
		if err != nil {
			return err
		}
		pg.Address = mac
	}
	return s.b.update(func(t txn) error {
		if ok, err := exists(t, nodePrefix+pg.NodeUUID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("node %s: %w", pg.NodeUUID, errdefs.ErrInvalidParameter)
		}
		if ok, err := exists(t, portGroupPrefix+pg.UUID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("port group %s already exists: %w", pg.UUID, errdefs.ErrConflict)
		}
		pg.CreatedAt = s.clock.Now().UTC()
		return setJSON(t, portGroupPrefix+pg.UUID, pg)
	})
}

func (s *KVStore) GetPortGroup(_ context.Context, uuid string) (*v1alpha1.PortGroup, error) {
	var pg v1alpha1.PortGroup
	err := s.b.view(func(t txn) error {
		err := getJSON(t, portGroupPrefix+uuid, &pg)
		if isNotFound(err) {
			return fmt.Errorf("port group %s: %w", uuid, errdefs.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &pg, nil
}

func (s *KVStore) ListPortGroups(_ context.Context, nodeUUID string) ([]*v1alpha1.PortGroup, error) {
	var out []*v1alpha1.PortGroup
	err := s.b.view(func(t txn) error {
		return t.scan(portGroupPrefix, func(_ string, val []byte) error {
			var pg v1alpha1.PortGroup
			if err := json.Unmarshal(val, &pg); err != nil {
				return err
			}
			if nodeUUID == "" || pg.NodeUUID == nodeUUID {
				out = append(out, &pg)
			}
			return nil
		})
	})
	return out, err
}

func (s *KVStore) DeletePortGroup(_ context.Context, uuid string) error {
	return s.b.update(func(t txn) error {
		if ok, err := exists(t, portGroupPrefix+uuid); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("port group %s: %w", uuid, errdefs.ErrNotFound)
		}
		var members []v1alpha1.Port
		if err := t.scan(portPrefix, func(_ string, val []byte) error {
			var p v1alpha1.Port
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			if p.PortGroupUUID == uuid {
				members = append(members, p)
			}
			return nil
		}); err != nil {
			return err
		}
		for i := range members {
			members[i].PortGroupUUID = ""
			if err := setJSON(t, portPrefix+members[i].UUID, &members[i]); err != nil {
				return err
			}
		}
		return t.del(portGroupPrefix + uuid)
	})
}

// Chassis

func (s *KVStore) CreateChassis(_ context.Context, c *v1alpha1.Chassis) error {
	if c.UUID == "" {
		return fmt.Errorf("chassis UUID is required: %w", errdefs.ErrInvalidParameter)
	}
	return s.b.update(func(t txn) error {
		if ok, err := exists(t, chassisPrefix+c.UUID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("chassis %s already exists: %w", c.UUID, errdefs.ErrConflict)
		}
		c.CreatedAt = s.clock.Now().UTC()
		return setJSON(t, chassisPrefix+c.UUID, c)
	})
}

func (s *KVStore) GetChassis(_ context.Context, uuid string) (*v1alpha1.Chassis, error) {
	var c v1alpha1.Chassis
	err := s.b.view(func(t txn) error {
		err := getJSON(t, chassisPrefix+uuid, &c)
		if isNotFound(err) {
			return fmt.Errorf("chassis %s: %w", uuid, errdefs.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *KVStore) ListChassis(_ context.Context) ([]*v1alpha1.Chassis, error) {
	var out []*v1alpha1.Chassis
	err := s.b.view(func(t txn) error {
		return t.scan(chassisPrefix, func(_ string, val []byte) error {
			var c v1alpha1.Chassis
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *KVStore) DeleteChassis(_ context.Context, uuid string) error {
	return s.b.update(func(t txn) error {
		if ok, err := exists(t, chassisPrefix+uuid); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("chassis %s: %w", uuid, errdefs.ErrNotFound)
		}
		var attached []v1alpha1.Node
		if err := t.scan(nodePrefix, func(_ string, val []byte) error {
			var n v1alpha1.Node
			if err := json.Unmarshal(val, &n); err != nil {
				return err
			}
			if n.ChassisUUID == uuid {
				attached = append(attached, n)
			}
			return nil
		}); err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		for i := range attached {
			attached[i].ChassisUUID = ""
			attached[i].UpdatedAt = now
			attached[i].Revision++
			if err := setJSON(t, nodePrefix+attached[i].UUID, &attached[i]); err != nil {
				return err
			}
		}
		return t.del(chassisPrefix + uuid)
	})
}

func (s *KVStore) Close() error {
	return s.b.close()
}
