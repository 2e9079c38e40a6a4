package drivers

import (
	"context"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// FlowFinalizer is implemented by capabilities that tidy up after a step
// sequence ends, for example by powering off a ramdisk booted for cleaning.
// failed reports whether the sequence ended in failure.
type FlowFinalizer interface {
	FinishFlow(ctx context.Context, node *v1alpha1.Node, kind v1alpha1.StepKind, failed bool) error
}

// Finalizers returns the bound implementations that implement FlowFinalizer,
// in declaration order.
func (b *Binding) Finalizers() []FlowFinalizer {
	var out []FlowFinalizer
	for _, t := range v1alpha1.InterfaceOrder {
		if f, ok := b.Get(t).(FlowFinalizer); ok {
			out = append(out, f)
		}
	}
	return out
}
