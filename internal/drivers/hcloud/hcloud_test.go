package hcloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/util/retry"
)

// testServer mocks the Hetzner Cloud API.
type testServer struct {
	server *httptest.Server
	mux    *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mux := http.NewServeMux()
	ts := &testServer{server: httptest.NewServer(mux), mux: mux}
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *Client {
	return NewClient("test-token", ts.server.URL,
		WithRetryOptions(retry.WithInitialDelay(time.Millisecond), retry.WithMaxRetries(3)))
}

func jsonResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func successAction(id int64) schema.Action {
	return schema.Action{ID: id, Status: "success", Progress: 100}
}

func node(serverID string) *v1alpha1.Node {
	return &v1alpha1.Node{UUID: "n1", DriverInfo: map[string]string{InfoServerID: serverID}}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		info    map[string]string
		wantErr bool
	}{
		{name: "valid", info: map[string]string{InfoServerID: "42"}},
		{name: "with ssh keys", info: map[string]string{InfoServerID: "42", InfoSSHKeys: "1, 2"}},
		{name: "missing id", info: map[string]string{}, wantErr: true},
		{name: "non numeric id", info: map[string]string{InfoServerID: "web-1"}, wantErr: true},
		{name: "bad ssh key", info: map[string]string{InfoServerID: "42", InfoSSHKeys: "1,x"}, wantErr: true},
	}
	p := NewPower(NewClient("t", ""))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := p.Validate(context.Background(), &v1alpha1.Node{DriverInfo: tt.info})
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestGetPowerState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		want   v1alpha1.PowerState
	}{
		{status: "running", want: v1alpha1.PowerOn},
		{status: "off", want: v1alpha1.PowerOff},
		{status: "starting", want: v1alpha1.PowerUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t)
			ts.mux.HandleFunc("/servers/42", func(w http.ResponseWriter, _ *http.Request) {
				jsonResponse(w, http.StatusOK, schema.ServerGetResponse{
					Server: schema.Server{ID: 42, Name: "metal-1", Status: tt.status},
				})
			})

			got, err := NewPower(ts.client()).GetPowerState(context.Background(), node("42"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetPowerState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		target v1alpha1.PowerTarget
		path   string
	}{
		{target: v1alpha1.PowerTargetOn, path: "/servers/42/actions/poweron"},
		{target: v1alpha1.PowerTargetOff, path: "/servers/42/actions/poweroff"},
		{target: v1alpha1.PowerTargetReboot, path: "/servers/42/actions/reset"},
	}
	for _, tt := range tests {
		t.Run(string(tt.target), func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t)
			var hits atomic.Int32
			ts.mux.HandleFunc(tt.path, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				hits.Add(1)
				jsonResponse(w, http.StatusCreated, schema.ServerActionPoweronResponse{Action: successAction(1)})
			})

			err := NewPower(ts.client()).SetPowerState(context.Background(), node("42"), tt.target, time.Second)
			require.NoError(t, err)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestSetPowerStateRetriesLockedServer(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	var hits atomic.Int32
	ts.mux.HandleFunc("/servers/42/actions/poweron", func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			jsonResponse(w, http.StatusLocked, schema.ErrorResponse{
				Error: schema.Error{Code: string(hcloud.ErrorCodeLocked), Message: "server is locked"},
			})
			return
		}
		jsonResponse(w, http.StatusCreated, schema.ServerActionPoweronResponse{Action: successAction(1)})
	})

	err := NewPower(ts.client()).SetPowerState(context.Background(), node("42"), v1alpha1.PowerTargetOn, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestSetPowerStateDoesNotRetryMissingServer(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	var hits atomic.Int32
	ts.mux.HandleFunc("/servers/42/actions/poweroff", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		jsonResponse(w, http.StatusNotFound, schema.ErrorResponse{
			Error: schema.Error{Code: string(hcloud.ErrorCodeNotFound), Message: "server not found"},
		})
	})

	err := NewPower(ts.client()).SetPowerState(context.Background(), node("42"), v1alpha1.PowerTargetOff, time.Second)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestSetPowerStateRejectsUnknownTarget(t *testing.T) {
	t.Parallel()

	err := NewPower(NewClient("t", "")).SetPowerState(context.Background(), node("42"), "hibernate", 0)
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)
}

func TestRescueBoot(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	var enabled, disabled atomic.Int32
	ts.mux.HandleFunc("/servers/42/actions/enable_rescue", func(w http.ResponseWriter, r *http.Request) {
		var body schema.ServerActionEnableRescueRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []int64{7}, body.SSHKeys)
		enabled.Add(1)
		password := "secret"
		jsonResponse(w, http.StatusCreated, schema.ServerActionEnableRescueResponse{
			Action:       successAction(2),
			RootPassword: password,
		})
	})
	ts.mux.HandleFunc("/servers/42/actions/disable_rescue", func(w http.ResponseWriter, _ *http.Request) {
		disabled.Add(1)
		jsonResponse(w, http.StatusCreated, schema.ServerActionDisableRescueResponse{Action: successAction(3)})
	})

	ctx := context.Background()
	b := NewBoot(ts.client())
	n := node("42")
	n.DriverInfo[InfoSSHKeys] = "7"

	require.NoError(t, b.PrepareRamdisk(ctx, n, nil))
	assert.Equal(t, "true", n.DriverInternalInfo.Extra[ExtraRescueEnabled])

	t.Run("a successful rescue keeps the rescue system", func(t *testing.T) {
		require.NoError(t, b.FinishFlow(ctx, n, v1alpha1.StepKindRescue, false))
		assert.Equal(t, int32(0), disabled.Load())
	})

	t.Run("other flows leave rescue once", func(t *testing.T) {
		require.NoError(t, b.FinishFlow(ctx, n, v1alpha1.StepKindClean, false))
		require.NoError(t, b.CleanUpRamdisk(ctx, n))
		assert.Equal(t, int32(1), disabled.Load())
		assert.NotContains(t, n.DriverInternalInfo.Extra, ExtraRescueEnabled)
	})

	assert.Equal(t, int32(1), enabled.Load())
}

func TestRegister(t *testing.T) {
	t.Parallel()

	r := drivers.NewRegistry()
	require.NoError(t, Register(r, NewClient("t", "")))

	p, err := r.Lookup(v1alpha1.InterfacePower, Name)
	require.NoError(t, err)
	assert.IsType(t, &Power{}, p)

	b, err := r.Lookup(v1alpha1.InterfaceBoot, Name)
	require.NoError(t, err)
	_, ok := b.(drivers.FlowFinalizer)
	assert.True(t, ok)
}
