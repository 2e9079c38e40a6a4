// Package noop provides "no-*" capability implementations for nodes that
// lack a feature. They accept every node and either do nothing or report
// the action as unsupported.
package noop

import (
	"context"
	"fmt"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
)

const (
	NameRAID    = "no-raid"
	NameConsole = "no-console"
	NameVendor  = "no-vendor"
	NameInspect = "no-inspect"
)

type named string

func (n named) Name() string { return string(n) }

func (n named) Validate(context.Context, *v1alpha1.Node) error { return nil }

func (n named) unsupported(action string) error {
	return fmt.Errorf("%s: %s: %w", n, action, errdefs.ErrUnsupported)
}

// RAID declares no steps.
type RAID struct{ named }

func NewRAID() *RAID { return &RAID{named(NameRAID)} }

// Console has no console to offer.
type Console struct{ named }

func NewConsole() *Console { return &Console{named(NameConsole)} }

func (c *Console) StartConsole(context.Context, *v1alpha1.Node) error {
	return c.unsupported("start console")
}

// StopConsole succeeds since nothing can be running.
func (c *Console) StopConsole(context.Context, *v1alpha1.Node) error { return nil }

func (c *Console) ConsoleURL(context.Context, *v1alpha1.Node) (string, error) {
	return "", c.unsupported("console url")
}

// Vendor exposes no methods.
type Vendor struct{ named }

func NewVendor() *Vendor { return &Vendor{named(NameVendor)} }

func (v *Vendor) Methods() map[string]drivers.VendorMethod { return nil }

// Inspect refuses inspection, so the inspect verb is rejected before the
// node leaves manageable.
type Inspect struct{ named }

func NewInspect() *Inspect { return &Inspect{named(NameInspect)} }

func (i *Inspect) Validate(context.Context, *v1alpha1.Node) error {
	return i.unsupported("inspection")
}

// Register adds every noop implementation to r.
func Register(r *drivers.Registry) error {
	if err := r.Register(v1alpha1.InterfaceRAID, NewRAID()); err != nil {
		return err
	}
	if err := r.Register(v1alpha1.InterfaceConsole, NewConsole()); err != nil {
		return err
	}
	if err := r.Register(v1alpha1.InterfaceVendor, NewVendor()); err != nil {
		return err
	}
	return r.Register(v1alpha1.InterfaceInspect, NewInspect())
}
