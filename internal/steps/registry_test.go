package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/drivers/fake"
	"github.com/imamik/metalconductor/internal/errdefs"
)

func binding(t *testing.T, deploySteps, raidSteps, mgmtSteps []drivers.StepDefinition) *drivers.Binding {
	t.Helper()
	set := fake.NewSet()
	set.Deploy = fake.NewDeploy(deploySteps...)
	set.RAID = fake.NewRAID(raidSteps...)
	set.Management = fake.NewManagement(mgmtSteps...)

	r := drivers.NewRegistry()
	require.NoError(t, set.Register(r))
	b, err := r.Bind(fake.Interfaces())
	require.NoError(t, err)
	return b
}

func keys(steps []v1alpha1.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Key()
	}
	return out
}

func cleanStep(name string, priority int) drivers.StepDefinition {
	var rec fake.Recorder
	return fake.Step(&rec, v1alpha1.StepKindClean, name, priority, drivers.Done, nil)
}

func TestAutomatedOrdering(t *testing.T) {
	t.Parallel()

	b := binding(t,
		[]drivers.StepDefinition{cleanStep("erase_devices", 10), cleanStep("erase_metadata", 99), cleanStep("disabled", 0)},
		[]drivers.StepDefinition{cleanStep("delete_configuration", 10), cleanStep("create_configuration", 0)},
		[]drivers.StepDefinition{cleanStep("reset_bios", 10), cleanStep("update_firmware", 50)},
	)

	got := NewRegistry(nil).Automated(b, v1alpha1.StepKindClean)

	// Equal priority 10 steps follow interface declaration order:
	// deploy before management before raid.
	assert.Equal(t, []string{
		"deploy.erase_metadata",
		"management.update_firmware",
		"deploy.erase_devices",
		"management.reset_bios",
		"raid.delete_configuration",
	}, keys(got))
}

func TestAutomatedTieWithinInterfaceKeepsDeclarationOrder(t *testing.T) {
	t.Parallel()

	b := binding(t, []drivers.StepDefinition{cleanStep("b", 5), cleanStep("a", 5)}, nil, nil)
	got := NewRegistry(nil).Automated(b, v1alpha1.StepKindClean)
	assert.Equal(t, []string{"deploy.b", "deploy.a"}, keys(got))
}

func TestAutomatedAllDisabled(t *testing.T) {
	t.Parallel()

	b := binding(t, []drivers.StepDefinition{cleanStep("erase_devices", 10)}, nil, nil)
	r := NewRegistry(map[string]int{"deploy.erase_devices": 0})

	assert.Empty(t, r.Automated(b, v1alpha1.StepKindClean))

	available := r.Available(b, v1alpha1.StepKindClean)
	require.Len(t, available, 1)
	assert.Equal(t, 0, available[0].Priority)
}

func TestMerge(t *testing.T) {
	t.Parallel()

	deploy := []drivers.StepDefinition{
		{Kind: v1alpha1.StepKindDeploy, Name: "deploy", Priority: 100},
		{Kind: v1alpha1.StepKindDeploy, Name: "write_image", Priority: 80},
		{Kind: v1alpha1.StepKindDeploy, Name: "configure", Priority: 0, Args: map[string]v1alpha1.StepArg{
			"profile": {Required: true},
		}},
	}
	b := binding(t, deploy, nil, nil)
	r := NewRegistry(nil)

	got, err := r.Merge(b, v1alpha1.StepKindDeploy, []v1alpha1.Step{
		{Interface: v1alpha1.InterfaceDeploy, Step: "configure", Priority: 90, Args: map[string]any{"profile": "fast"}},
		{Interface: v1alpha1.InterfaceDeploy, Step: "write_image", Priority: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy.deploy", "deploy.configure"}, keys(got))
	assert.Equal(t, "fast", got[1].Args["profile"])

	_, err = r.Merge(b, v1alpha1.StepKindDeploy, []v1alpha1.Step{
		{Interface: v1alpha1.InterfaceDeploy, Step: "configure", Priority: 90},
	})
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter, "missing required argument")
}

func TestManual(t *testing.T) {
	t.Parallel()

	b := binding(t, []drivers.StepDefinition{cleanStep("erase_devices", 10), cleanStep("erase_metadata", 99)}, nil, nil)
	r := NewRegistry(nil)

	tests := []struct {
		name    string
		steps   []v1alpha1.Step
		want    []string
		wantErr bool
	}{
		{
			name: "keeps requested order",
			steps: []v1alpha1.Step{
				{Interface: v1alpha1.InterfaceDeploy, Step: "erase_devices"},
				{Interface: v1alpha1.InterfaceDeploy, Step: "erase_metadata"},
			},
			want: []string{"deploy.erase_devices", "deploy.erase_metadata"},
		},
		{name: "empty", wantErr: true},
		{
			name:    "unknown step",
			steps:   []v1alpha1.Step{{Interface: v1alpha1.InterfaceDeploy, Step: "format_all"}},
			wantErr: true,
		},
		{
			name:    "wrong interface",
			steps:   []v1alpha1.Step{{Interface: v1alpha1.InterfaceRAID, Step: "erase_devices"}},
			wantErr: true,
		},
		{
			name:    "unexpected argument",
			steps:   []v1alpha1.Step{{Interface: v1alpha1.InterfaceDeploy, Step: "erase_devices", Args: map[string]any{"x": 1}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.Manual(b, v1alpha1.StepKindClean, tt.steps)
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, keys(got))
		})
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	b := binding(t, []drivers.StepDefinition{cleanStep("erase_devices", 10)}, nil, nil)
	r := NewRegistry(nil)

	def, err := r.Lookup(b, v1alpha1.StepKindClean, v1alpha1.Step{Interface: v1alpha1.InterfaceDeploy, Step: "erase_devices"})
	require.NoError(t, err)
	assert.Equal(t, 10, def.Priority)

	_, err = r.Lookup(b, v1alpha1.StepKindDeploy, v1alpha1.Step{Interface: v1alpha1.InterfaceDeploy, Step: "erase_devices"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
}
