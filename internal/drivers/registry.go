package drivers

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
)

// Binding holds the implementations bound to one node.
type Binding struct {
	Power      Power
	Boot       Boot
	Deploy     Deploy
	Management Management
	Inspect    Inspect
	RAID       RAID
	Console    Console
	Vendor     Vendor
}

// Get returns the implementation bound for capability t.
func (b *Binding) Get(t v1alpha1.InterfaceType) Interface {
	var iface Interface
	switch t {
	case v1alpha1.InterfacePower:
		iface = b.Power
	case v1alpha1.InterfaceBoot:
		iface = b.Boot
	case v1alpha1.InterfaceDeploy:
		iface = b.Deploy
	case v1alpha1.InterfaceManagement:
		iface = b.Management
	case v1alpha1.InterfaceInspect:
		iface = b.Inspect
	case v1alpha1.InterfaceRAID:
		iface = b.RAID
	case v1alpha1.InterfaceConsole:
		iface = b.Console
	case v1alpha1.InterfaceVendor:
		iface = b.Vendor
	}
	return iface
}

// Registry maps (capability, name) to implementations.
type Registry struct {
	mu       sync.RWMutex
	impls    map[v1alpha1.InterfaceType]map[string]Interface
	defaults v1alpha1.Interfaces
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		impls: make(map[v1alpha1.InterfaceType]map[string]Interface),
	}
}

// Register adds impl under capability t. impl must satisfy the capability's
// interface and its name must be unused for t.
func (r *Registry) Register(t v1alpha1.InterfaceType, impl Interface) error {
	if !satisfies(t, impl) {
		return fmt.Errorf("%T does not implement the %s interface", impl, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.impls[t]
	if !ok {
		byName = make(map[string]Interface)
		r.impls[t] = byName
	}
	if _, exists := byName[impl.Name()]; exists {
		return fmt.Errorf("%s interface %q already registered", t, impl.Name())
	}
	byName[impl.Name()] = impl
	return nil
}

// MustRegister registers every impl and panics on the first error.
func (r *Registry) MustRegister(t v1alpha1.InterfaceType, impls ...Interface) {
	for _, impl := range impls {
		if err := r.Register(t, impl); err != nil {
			panic(err)
		}
	}
}

// SetDefault selects the implementation used when a node leaves t unset.
func (r *Registry) SetDefault(t v1alpha1.InterfaceType, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.impls[t][name]; !ok {
		return fmt.Errorf("%s interface %q: %w", t, name, errdefs.ErrNotFound)
	}
	r.defaults.Set(t, name)
	return nil
}

// Defaults returns the default selections.
func (r *Registry) Defaults() v1alpha1.Interfaces {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// ApplyDefaults fills unset selections in ifaces.
func (r *Registry) ApplyDefaults(ifaces *v1alpha1.Interfaces) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range v1alpha1.InterfaceOrder {
		if ifaces.Get(t) == "" {
			ifaces.Set(t, r.defaults.Get(t))
		}
	}
}

// Lookup returns the implementation registered as name for t.
func (r *Registry) Lookup(t v1alpha1.InterfaceType, name string) (Interface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.impls[t][name]
	if !ok {
		return nil, fmt.Errorf("%s interface %q: %w", t, name, errdefs.ErrInvalidParameter)
	}
	return impl, nil
}

// Bind resolves every selection in ifaces. Every capability must be selected.
func (r *Registry) Bind(ifaces v1alpha1.Interfaces) (*Binding, error) {
	b := &Binding{}
	for _, t := range v1alpha1.InterfaceOrder {
		name := ifaces.Get(t)
		if name == "" {
			return nil, fmt.Errorf("no %s interface selected: %w", t, errdefs.ErrInvalidParameter)
		}
		impl, err := r.Lookup(t, name)
		if err != nil {
			return nil, err
		}
		switch t {
		case v1alpha1.InterfacePower:
			b.Power = impl.(Power)
		case v1alpha1.InterfaceBoot:
			b.Boot = impl.(Boot)
		case v1alpha1.InterfaceDeploy:
			b.Deploy = impl.(Deploy)
		case v1alpha1.InterfaceManagement:
			b.Management = impl.(Management)
		case v1alpha1.InterfaceInspect:
			b.Inspect = impl.(Inspect)
		case v1alpha1.InterfaceRAID:
			b.RAID = impl.(RAID)
		case v1alpha1.InterfaceConsole:
			b.Console = impl.(Console)
		case v1alpha1.InterfaceVendor:
			b.Vendor = impl.(Vendor)
		}
	}
	return b, nil
}

// List returns the sorted implementation names per capability.
func (r *Registry) List() map[v1alpha1.InterfaceType][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[v1alpha1.InterfaceType][]string, len(r.impls))
	for t, byName := range r.impls {
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)
		out[t] = names
	}
	return out
}

func satisfies(t v1alpha1.InterfaceType, impl Interface) bool {
	if impl == nil || !slices.Contains(v1alpha1.InterfaceOrder, t) {
		return false
	}
	var ok bool
	switch t {
	case v1alpha1.InterfacePower:
		_, ok = impl.(Power)
	case v1alpha1.InterfaceBoot:
		_, ok = impl.(Boot)
	case v1alpha1.InterfaceDeploy:
		_, ok = impl.(Deploy)
	case v1alpha1.InterfaceManagement:
		_, ok = impl.(Management)
	case v1alpha1.InterfaceInspect:
		_, ok = impl.(Inspect)
	case v1alpha1.InterfaceRAID:
		_, ok = impl.(RAID)
	case v1alpha1.InterfaceConsole:
		_, ok = impl.(Console)
	case v1alpha1.InterfaceVendor:
		_, ok = impl.(Vendor)
	}
	return ok
}
