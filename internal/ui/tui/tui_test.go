package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m30s"},
		{3600 * time.Second, "1h0m"},
		{3661 * time.Second, "1h1m"},
	}
	for _, tt := range tests {
		got := formatDuration(tt.d)
		if got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("a-very-long-node-name", 10); got != "a-very-..." {
		t.Errorf("got %q", got)
	}
}

func TestCurrentSpinnerWraps(t *testing.T) {
	if currentSpinner(0) != currentSpinner(len(spinnerFrames)) {
		t.Error("spinner should wrap around")
	}
	if currentSpinner(-1) == "" {
		t.Error("negative frame should still render")
	}
}

func TestSummarize(t *testing.T) {
	s := summarize([]v1alpha1.Node{
		{ProvisionState: v1alpha1.StateActive},
		{ProvisionState: v1alpha1.StateAvailable, Maintenance: true},
		{ProvisionState: v1alpha1.StateCleanWait},
		{ProvisionState: v1alpha1.StateCleaning},
		{ProvisionState: v1alpha1.StateDeployFailed},
	})
	if s.stable != 2 || s.waiting != 1 || s.busy != 1 || s.failed != 1 || s.maintenance != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestUpdateNodesSortsByName(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewModel("http://localhost:6385")
	m.now = func() time.Time { return fixed }

	next, _ := m.Update(NodesMsg{Nodes: []v1alpha1.Node{
		{Name: "web-2"}, {UUID: "0a1b"}, {Name: "db-1"},
	}})
	got := next.(Model)

	want := []string{"0a1b", "db-1", "web-2"}
	for i, n := range got.Nodes {
		if displayName(n) != want[i] {
			t.Errorf("node %d = %q, want %q", i, displayName(n), want[i])
		}
	}
	if !got.LastUpdate.Equal(fixed) {
		t.Errorf("LastUpdate = %v", got.LastUpdate)
	}
}

func TestUpdateFetchErrorKeepsNodes(t *testing.T) {
	m := NewModel("x")
	m.Nodes = []v1alpha1.Node{{Name: "web-1"}}

	next, cmd := m.Update(NodesMsg{FetchErr: "connection refused"})
	got := next.(Model)
	if cmd != nil {
		t.Error("fetch errors should not quit")
	}
	if got.Err == nil || !strings.Contains(got.Err.Error(), "connection refused") {
		t.Errorf("Err = %v", got.Err)
	}
	if len(got.Nodes) != 1 {
		t.Error("previous snapshot should be kept")
	}

	next, _ = got.Update(NodesMsg{Nodes: got.Nodes})
	if next.(Model).Err != nil {
		t.Error("successful fetch should clear the error")
	}
}

func TestUpdateKeys(t *testing.T) {
	m := NewModel("x")

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
	if !next.(Model).FailedOnly {
		t.Error("f should toggle the failed filter")
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected QuitMsg")
	}
}

func TestUpdateErrMsgQuits(t *testing.T) {
	next, cmd := NewModel("x").Update(ErrMsg{Err: errors.New("boom")})
	if cmd == nil || next.(Model).Err == nil {
		t.Error("ErrMsg should record the error and quit")
	}
}

func TestViewRendersNodes(t *testing.T) {
	n := v1alpha1.Node{
		Name:                 "web-1",
		ProvisionState:       v1alpha1.StateCleanWait,
		TargetProvisionState: v1alpha1.StateAvailable,
		PowerState:           v1alpha1.PowerOn,
		Reservation:          "conductor-a",
		Maintenance:          true,
	}
	n.DriverInternalInfo.Steps = []v1alpha1.Step{
		{Interface: v1alpha1.InterfaceDeploy, Step: "wipe", Priority: 10},
		{Interface: v1alpha1.InterfaceDeploy, Step: "write_image", Priority: 5},
	}
	n.DriverInternalInfo.StepIndex = 0

	failed := v1alpha1.Node{
		Name:           "db-1",
		ProvisionState: v1alpha1.StateDeployFailed,
		LastError:      "image checksum mismatch",
	}

	out := RenderOnce("http://localhost:6385", NodesMsg{
		Nodes:      []v1alpha1.Node{n, failed},
		Conductors: []v1alpha1.Conductor{{Name: "conductor-a", Alive: true}},
	})

	for _, want := range []string{
		"web-1", "clean wait > available", "1/2 deploy.wipe", "MAINT",
		"db-1", "image checksum mismatch", "Conductors", "conductor-a",
		"1 failed", "1 waiting",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
}

func TestViewFailedOnly(t *testing.T) {
	m := NewModel("x")
	m.FailedOnly = true
	m.setNodes(NodesMsg{Nodes: []v1alpha1.Node{
		{Name: "ok-1", ProvisionState: v1alpha1.StateActive},
	}})
	out := m.View()
	if strings.Contains(out, "ok-1") {
		t.Error("healthy node should be hidden")
	}
	if !strings.Contains(out, "no nodes") {
		t.Error("expected empty marker")
	}
}
