package noop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
)

func TestRegister(t *testing.T) {
	t.Parallel()

	r := drivers.NewRegistry()
	require.NoError(t, Register(r))

	list := r.List()
	assert.Equal(t, []string{NameRAID}, list[v1alpha1.InterfaceRAID])
	assert.Equal(t, []string{NameConsole}, list[v1alpha1.InterfaceConsole])
	assert.Equal(t, []string{NameVendor}, list[v1alpha1.InterfaceVendor])
	assert.Equal(t, []string{NameInspect}, list[v1alpha1.InterfaceInspect])

	assert.Error(t, Register(r), "names are unique per capability")
}

func TestBehaviour(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	node := &v1alpha1.Node{UUID: "n1"}

	assert.NoError(t, NewRAID().Validate(ctx, node))
	assert.Empty(t, NewVendor().Methods())

	c := NewConsole()
	assert.ErrorIs(t, c.StartConsole(ctx, node), errdefs.ErrUnsupported)
	assert.NoError(t, c.StopConsole(ctx, node))
	_, err := c.ConsoleURL(ctx, node)
	assert.ErrorIs(t, err, errdefs.ErrUnsupported)

	err = NewInspect().Validate(ctx, node)
	assert.ErrorIs(t, err, errdefs.ErrUnsupported)
	assert.Contains(t, err.Error(), NameInspect)
}
