package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/statemachine"
)

// styleFunc is a single-string styling function.
type styleFunc func(string) string

func sf(s lipgloss.Style) styleFunc {
	return func(str string) string { return s.Render(str) }
}

func renderView(m Model) string {
	var b strings.Builder

	renderHeader(&b, m)
	renderSummary(&b, m)
	renderNodes(&b, m)
	if len(m.Conductors) > 0 {
		renderConductors(&b, m)
	}
	renderFooter(&b, m)

	return b.String()
}

func renderHeader(b *strings.Builder, m Model) {
	b.WriteString(titleStyle.Render("metalctl watch: " + m.Endpoint))
	if m.Err != nil {
		b.WriteString(" ")
		b.WriteString(failedStyle.Render(m.Err.Error()))
	}
	b.WriteString("\n")
}

// summary counts nodes per state class.
type summary struct {
	stable, busy, waiting, failed, maintenance int
}

func summarize(nodes []v1alpha1.Node) summary {
	var s summary
	for _, n := range nodes {
		if n.Maintenance {
			s.maintenance++
		}
		switch {
		case statemachine.IsFailure(n.ProvisionState):
			s.failed++
		case statemachine.IsWait(n.ProvisionState):
			s.waiting++
		case statemachine.IsTransient(n.ProvisionState):
			s.busy++
		default:
			s.stable++
		}
	}
	return s
}

func renderSummary(b *strings.Builder, m Model) {
	s := summarize(m.Nodes)
	fmt.Fprintf(b, "  %s  %s  %s  %s  %s\n",
		stableStyle.Render(fmt.Sprintf("%d stable", s.stable)),
		activeStyle.Render(fmt.Sprintf("%d working", s.busy)),
		waitingStyle.Render(fmt.Sprintf("%d waiting", s.waiting)),
		failedStyle.Render(fmt.Sprintf("%d failed", s.failed)),
		dimStyle.Render(fmt.Sprintf("%d in maintenance", s.maintenance)))
}

func renderNodes(b *strings.Builder, m Model) {
	b.WriteString(sectionStyle.Render("  Nodes"))
	b.WriteString("\n")

	fmt.Fprintf(b, "    %s\n", headerRowStyle.Render(fmt.Sprintf("     %-24s %-26s %-8s %-30s %s", "NAME", "STATE", "POWER", "STEP", "CONDUCTOR")))

	shown := 0
	for _, n := range m.Nodes {
		if m.FailedOnly && !statemachine.IsFailure(n.ProvisionState) {
			continue
		}
		shown++
		renderNodeRow(b, m, n)
	}
	if shown == 0 {
		b.WriteString(dimStyle.Render("    no nodes"))
		b.WriteString("\n")
	}
}

func renderNodeRow(b *strings.Builder, m Model, n v1alpha1.Node) {
	icon, style := stateIcon(n.ProvisionState, m.SpinnerFrame)

	state := string(n.ProvisionState)
	if n.TargetProvisionState != "" {
		state += " > " + string(n.TargetProvisionState)
	}

	fmt.Fprintf(b, "    %s %-24s %s %-8s %-30s %s",
		style(icon),
		truncate(displayName(n), 24),
		style(fmt.Sprintf("%-26s", truncate(state, 26))),
		string(n.PowerState),
		stepColumn(n),
		dimStyle.Render(n.Reservation))
	if n.Maintenance {
		b.WriteString(" " + maintenanceTag.Render("MAINT"))
	}
	b.WriteString("\n")

	if n.LastError != "" && statemachine.IsFailure(n.ProvisionState) {
		fmt.Fprintf(b, "         %s\n", failedStyle.Render(truncate(n.LastError, lineWidth(m)-9)))
	}
}

// stepColumn shows the current step with a progress bar over the step list.
func stepColumn(n v1alpha1.Node) string {
	dii := n.DriverInternalInfo
	step, ok := dii.CurrentStep()
	if !ok {
		return fmt.Sprintf("%-30s", "")
	}
	done := dii.StepIndex
	total := len(dii.Steps)
	label := fmt.Sprintf(" %d/%d %s", done+1, total, truncate(step.Key(), 18))
	return miniBar(float64(done)/float64(total)) + fmt.Sprintf("%-20s", label)
}

func renderConductors(b *strings.Builder, m Model) {
	b.WriteString(sectionStyle.Render("  Conductors"))
	b.WriteString("\n")
	for _, c := range m.Conductors {
		icon, style := checkMark, sf(stableStyle)
		if !c.Alive {
			icon, style = crossMark, sf(failedStyle)
		}
		fmt.Fprintf(b, "    %s %-24s %s\n", style(icon), c.Name, dimStyle.Render(c.LastSeen))
	}
}

func renderFooter(b *strings.Builder, m Model) {
	parts := []string{fmt.Sprintf("%d nodes", len(m.Nodes))}
	if !m.LastUpdate.IsZero() {
		parts = append(parts, "updated "+formatDuration(m.clock().Sub(m.LastUpdate))+" ago")
	}
	filter := "f: failed only"
	if m.FailedOnly {
		filter = "f: all nodes"
	}
	parts = append(parts, filter, "q: quit")
	b.WriteString(footerStyle.Render("  " + strings.Join(parts, "  |  ")))
	b.WriteString("\n")
}

func stateIcon(state v1alpha1.ProvisionState, frame int) (string, styleFunc) {
	switch {
	case statemachine.IsFailure(state):
		return crossMark, sf(failedStyle)
	case statemachine.IsWait(state):
		return waitMark, sf(waitingStyle)
	case statemachine.IsTransient(state):
		return currentSpinner(frame), sf(activeStyle)
	case state == v1alpha1.StateEnroll:
		return idleMark, sf(dimStyle)
	default:
		return checkMark, sf(stableStyle)
	}
}

func currentSpinner(frame int) string {
	if frame < 0 {
		frame = -frame
	}
	return spinnerFrames[frame%len(spinnerFrames)]
}

func miniBar(progress float64) string {
	const width = 10
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * width)
	return progressBarFull.Render(strings.Repeat("█", filled)) + progressBarEmpty.Render(strings.Repeat("░", width-filled))
}

func lineWidth(m Model) int {
	if m.Width > 20 {
		return m.Width
	}
	return 120
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// RenderOnce renders the dashboard a single time, for non-interactive output.
func RenderOnce(endpoint string, msg NodesMsg) string {
	m := NewModel(endpoint)
	m.setNodes(msg)
	return renderView(m)
}
