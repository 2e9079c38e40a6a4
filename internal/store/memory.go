package store

import (
	"sort"
	"strings"
	"sync"

	"k8s.io/utils/clock"

	"github.com/imamik/metalconductor/internal/errdefs"
)

// NewMemoryStore returns a store that keeps everything in process memory.
func NewMemoryStore(clk clock.PassiveClock) *KVStore {
	return newKVStore(&memoryBackend{data: make(map[string][]byte)}, clk)
}

// memoryBackend serializes writers behind one lock. Writes are buffered in
// the transaction and applied only when fn succeeds.
type memoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (m *memoryBackend) update(fn func(txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &memoryTxn{data: m.data, writes: map[string][]byte{}, deletes: map[string]bool{}}
	if err := fn(t); err != nil {
		return err
	}
	for k := range t.deletes {
		delete(m.data, k)
	}
	for k, v := range t.writes {
		m.data[k] = v
	}
	return nil
}

func (m *memoryBackend) view(fn func(txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTxn{data: m.data, readOnly: true})
}

func (m *memoryBackend) close() error { return nil }

type memoryTxn struct {
	data     map[string][]byte
	writes   map[string][]byte
	deletes  map[string]bool
	readOnly bool
}

func (t *memoryTxn) get(key string) ([]byte, error) {
	if v, ok := t.writes[key]; ok {
		return clone(v), nil
	}
	if t.deletes[key] {
		return nil, errdefs.ErrNotFound
	}
	v, ok := t.data[key]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	return clone(v), nil
}

func (t *memoryTxn) set(key string, val []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.deletes, key)
	t.writes[key] = clone(val)
	return nil
}

func (t *memoryTxn) del(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.writes, key)
	t.deletes[key] = true
	return nil
}

func (t *memoryTxn) scan(prefix string, fn func(key string, val []byte) error) error {
	keys := make([]string, 0)
	for k := range t.data {
		if strings.HasPrefix(k, prefix) && !t.deletes[k] {
			if _, pending := t.writes[k]; !pending {
				keys = append(keys, k)
			}
		}
	}
	for k := range t.writes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := t.get(k)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
