package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/ui/tui"
)

func TestWatchSnapshotWithoutTTY(t *testing.T) {
	api := newFakeAPI()
	api.nodes["a"] = &v1alpha1.Node{UUID: "a", Name: "web-1", ProvisionState: v1alpha1.StateDeployFailed, LastError: "no image"}
	api.conductors = []v1alpha1.Conductor{{Name: "c1", Alive: true}}
	out := withFake(t, api, false)

	require.NoError(t, Watch(context.Background(), tableOpts, time.Second))
	assert.Contains(t, out.String(), "web-1")
	assert.Contains(t, out.String(), "no image")
	assert.Contains(t, out.String(), "c1")
}

func TestWatchJSON(t *testing.T) {
	api := newFakeAPI()
	api.nodes["a"] = &v1alpha1.Node{UUID: "a", Name: "web-1"}
	out := withFake(t, api, true)

	require.NoError(t, Watch(context.Background(), Options{Output: OutputJSON}, time.Second))

	var snap struct {
		Nodes []v1alpha1.Node `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.Len(t, snap.Nodes, 1)
}

func TestWatchStartsTUIOnTerminal(t *testing.T) {
	api := newFakeAPI()
	api.nodes["a"] = &v1alpha1.Node{UUID: "a", Name: "web-1"}
	withFake(t, api, true)

	orig := runWatchTUI
	t.Cleanup(func() { runWatchTUI = orig })

	var got tui.NodesMsg
	runWatchTUI = func(ctx context.Context, endpoint string, interval time.Duration, fetch tui.FetchFunc) error {
		assert.Equal(t, tableOpts.Endpoint, endpoint)
		assert.Equal(t, 3*time.Second, interval)
		got = fetch(ctx)
		return nil
	}

	require.NoError(t, Watch(context.Background(), tableOpts, 3*time.Second))
	assert.Empty(t, got.FetchErr)
	assert.Len(t, got.Nodes, 1)
}
