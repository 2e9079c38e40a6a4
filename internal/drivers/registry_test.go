package drivers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/drivers/fake"
	"github.com/imamik/metalconductor/internal/errdefs"
)

func newRegistry(t *testing.T) (*drivers.Registry, *fake.Set) {
	t.Helper()
	r := drivers.NewRegistry()
	set := fake.NewSet()
	require.NoError(t, set.Register(r))
	return r, set
}

func TestRegistryBind(t *testing.T) {
	t.Parallel()

	r, set := newRegistry(t)

	b, err := r.Bind(fake.Interfaces())
	require.NoError(t, err)
	assert.Same(t, set.Power, b.Power)
	assert.Same(t, set.Deploy, b.Deploy)
	assert.Same(t, set.Vendor, b.Get(v1alpha1.InterfaceVendor))
}

func TestRegistryBindErrors(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)

	ifaces := fake.Interfaces()
	ifaces.RAID = ""
	_, err := r.Bind(ifaces)
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)

	ifaces = fake.Interfaces()
	ifaces.Power = "ipmi"
	_, err = r.Bind(ifaces)
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
}

func TestRegistryRejectsMismatchedCapability(t *testing.T) {
	t.Parallel()

	r := drivers.NewRegistry()
	err := r.Register(v1alpha1.InterfacePower, fake.NewBoot())
	assert.Error(t, err)

	require.NoError(t, r.Register(v1alpha1.InterfaceBoot, fake.NewBoot()))
	assert.Error(t, r.Register(v1alpha1.InterfaceBoot, fake.NewBoot()), "duplicate name")
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	ifaces := v1alpha1.Interfaces{Power: "custom"}
	r.ApplyDefaults(&ifaces)

	assert.Equal(t, "custom", ifaces.Power)
	assert.Equal(t, fake.Name, ifaces.Boot)
	assert.Equal(t, fake.Name, ifaces.Vendor)
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	list := r.List()
	assert.Len(t, list, len(v1alpha1.InterfaceOrder))
	assert.Equal(t, []string{fake.Name}, list[v1alpha1.InterfaceDeploy])
}

func TestFinalizers(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	b, err := r.Bind(fake.Interfaces())
	require.NoError(t, err)
	assert.Empty(t, b.Finalizers())
}
