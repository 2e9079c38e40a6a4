package tui

import (
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// Model is the Bubble Tea model for the node dashboard.
type Model struct {
	Endpoint   string
	Nodes      []v1alpha1.Node
	Conductors []v1alpha1.Conductor
	LastUpdate time.Time

	// FailedOnly hides nodes that are not in a failure state.
	FailedOnly bool

	SpinnerFrame int
	Width        int
	Height       int
	Err          error

	now func() time.Time
}

// NewModel creates a dashboard for the conductor at endpoint.
func NewModel(endpoint string) Model {
	return Model{Endpoint: endpoint, now: time.Now}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "f":
			m.FailedOnly = !m.FailedOnly
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case NodesMsg:
		if msg.FetchErr != "" {
			m.Err = fmt.Errorf("failed to fetch nodes: %s", msg.FetchErr)
			return m, nil
		}
		m.Err = nil
		m.setNodes(msg)

	case TickMsg:
		m.SpinnerFrame++
		return m, tickCmd()

	case ErrMsg:
		m.Err = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) setNodes(msg NodesMsg) {
	nodes := append([]v1alpha1.Node(nil), msg.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool {
		return displayName(nodes[i]) < displayName(nodes[j])
	})
	m.Nodes = nodes
	m.Conductors = msg.Conductors
	m.LastUpdate = m.clock()
}

func (m Model) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(_ time.Time) tea.Msg {
		return TickMsg{}
	})
}

// View implements tea.Model.
func (m Model) View() string {
	return renderView(m)
}

func displayName(n v1alpha1.Node) string {
	if n.Name != "" {
		return n.Name
	}
	return n.UUID
}
