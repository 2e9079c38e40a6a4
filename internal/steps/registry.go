// Package steps resolves the clean, deploy and other step sequences a node
// runs from the capabilities it is bound to.
package steps

import (
	"fmt"
	"slices"
	"sort"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
)

// Resolved is a declared step together with the capability offering it.
type Resolved struct {
	Interface  v1alpha1.InterfaceType
	Definition drivers.StepDefinition

	// order is the declaration index within the capability.
	order int
}

// Step converts r into a step with the given priority.
func (r Resolved) Step(priority int) v1alpha1.Step {
	return v1alpha1.Step{
		Interface: r.Interface,
		Step:      r.Definition.Name,
		Priority:  priority,
		Abortable: r.Definition.Abortable,
	}
}

// Registry enumerates and orders steps for a binding.
type Registry struct {
	// overrides maps "interface.step" to a priority replacing the default.
	overrides map[string]int
}

// NewRegistry creates a registry applying priority overrides keyed by
// "interface.step".
func NewRegistry(overrides map[string]int) *Registry {
	o := make(map[string]int, len(overrides))
	for k, v := range overrides {
		o[k] = v
	}
	return &Registry{overrides: o}
}

// Declared returns every step of kind offered by the binding, in declaration
// order.
func (r *Registry) Declared(b *drivers.Binding, kind v1alpha1.StepKind) []Resolved {
	var out []Resolved
	for _, t := range v1alpha1.InterfaceOrder {
		provider, ok := b.Get(t).(drivers.StepProvider)
		if !ok {
			continue
		}
		for i, def := range provider.Steps() {
			if def.Kind == kind {
				out = append(out, Resolved{Interface: t, Definition: def, order: i})
			}
		}
	}
	return out
}

// Priority returns the effective priority of a declared step.
func (r *Registry) Priority(res Resolved) int {
	if p, ok := r.overrides[string(res.Interface)+"."+res.Definition.Name]; ok {
		return p
	}
	return res.Definition.Priority
}

// Available describes every step of kind with its effective priority,
// ordered the way Automated would run them. Disabled steps are included.
func (r *Registry) Available(b *drivers.Binding, kind v1alpha1.StepKind) []v1alpha1.StepInfo {
	declared := r.Declared(b, kind)
	r.sort(declared, func(res Resolved) int { return r.Priority(res) })

	out := make([]v1alpha1.StepInfo, 0, len(declared))
	for _, res := range declared {
		out = append(out, v1alpha1.StepInfo{
			Step:     res.Step(r.Priority(res)),
			Kind:     kind,
			ArgsInfo: res.Definition.Args,
		})
	}
	return out
}

// Automated returns the steps of kind that run without operator input:
// priority above zero, highest first, ties broken by interface declaration
// order and then by declaration order within the interface.
func (r *Registry) Automated(b *drivers.Binding, kind v1alpha1.StepKind) []v1alpha1.Step {
	declared := r.Declared(b, kind)
	r.sort(declared, func(res Resolved) int { return r.Priority(res) })

	var out []v1alpha1.Step
	for _, res := range declared {
		if p := r.Priority(res); p > 0 {
			out = append(out, res.Step(p))
		}
	}
	return out
}

// Merge combines the automated steps of kind with user supplied steps. A
// user step replaces the priority and arguments of the declared step with
// the same key; a user priority of zero disables the step.
func (r *Registry) Merge(b *drivers.Binding, kind v1alpha1.StepKind, user []v1alpha1.Step) ([]v1alpha1.Step, error) {
	declared := r.Declared(b, kind)
	byKey := make(map[string]v1alpha1.Step, len(user))
	for _, u := range user {
		res, err := find(declared, u)
		if err != nil {
			return nil, err
		}
		if err := validateArgs(res, u.Args); err != nil {
			return nil, err
		}
		byKey[u.Key()] = u
	}

	priority := func(res Resolved) int {
		if u, ok := byKey[string(res.Interface)+"."+res.Definition.Name]; ok {
			return u.Priority
		}
		return r.Priority(res)
	}
	r.sort(declared, priority)

	var out []v1alpha1.Step
	for _, res := range declared {
		p := priority(res)
		if p <= 0 {
			continue
		}
		s := res.Step(p)
		if u, ok := byKey[s.Key()]; ok {
			s.Args = u.Args
		}
		out = append(out, s)
	}
	return out, nil
}

// Manual validates an operator supplied sequence. Manual steps run in the
// order given regardless of priority.
func (r *Registry) Manual(b *drivers.Binding, kind v1alpha1.StepKind, requested []v1alpha1.Step) ([]v1alpha1.Step, error) {
	if len(requested) == 0 {
		return nil, fmt.Errorf("manual %s requires at least one step: %w", kind, errdefs.ErrInvalidParameter)
	}
	declared := r.Declared(b, kind)
	out := make([]v1alpha1.Step, 0, len(requested))
	for _, req := range requested {
		res, err := find(declared, req)
		if err != nil {
			return nil, err
		}
		if err := validateArgs(res, req.Args); err != nil {
			return nil, err
		}
		s := res.Step(req.Priority)
		s.Args = req.Args
		out = append(out, s)
	}
	return out, nil
}

// Lookup returns the definition behind step for the binding.
func (r *Registry) Lookup(b *drivers.Binding, kind v1alpha1.StepKind, step v1alpha1.Step) (drivers.StepDefinition, error) {
	res, err := find(r.Declared(b, kind), step)
	if err != nil {
		return drivers.StepDefinition{}, err
	}
	return res.Definition, nil
}

func (r *Registry) sort(declared []Resolved, priority func(Resolved) int) {
	sort.SliceStable(declared, func(i, j int) bool {
		pi, pj := priority(declared[i]), priority(declared[j])
		if pi != pj {
			return pi > pj
		}
		ii := slices.Index(v1alpha1.InterfaceOrder, declared[i].Interface)
		ij := slices.Index(v1alpha1.InterfaceOrder, declared[j].Interface)
		if ii != ij {
			return ii < ij
		}
		return declared[i].order < declared[j].order
	})
}

func find(declared []Resolved, s v1alpha1.Step) (Resolved, error) {
	for _, res := range declared {
		if res.Interface == s.Interface && res.Definition.Name == s.Step {
			return res, nil
		}
	}
	return Resolved{}, fmt.Errorf("step %s is not offered by the bound %s interface: %w",
		s.Key(), s.Interface, errdefs.ErrInvalidParameter)
}

func validateArgs(res Resolved, args map[string]any) error {
	for name, spec := range res.Definition.Args {
		if _, ok := args[name]; spec.Required && !ok {
			return fmt.Errorf("step %s.%s requires argument %q: %w",
				res.Interface, res.Definition.Name, name, errdefs.ErrInvalidParameter)
		}
	}
	for name := range args {
		if _, ok := res.Definition.Args[name]; !ok {
			return fmt.Errorf("step %s.%s does not accept argument %q: %w",
				res.Interface, res.Definition.Name, name, errdefs.ErrInvalidParameter)
		}
	}
	return nil
}
