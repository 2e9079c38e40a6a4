package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// FetchFunc loads one fleet snapshot.
type FetchFunc func(ctx context.Context) NodesMsg

// RunWatchTUI polls fetch every interval and renders the dashboard until the
// user quits or ctx is done.
func RunWatchTUI(ctx context.Context, endpoint string, interval time.Duration, fetch FetchFunc) error {
	p := tea.NewProgram(NewModel(endpoint), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		p.Send(fetch(fetchCtx))
		cancel()

		for {
			select {
			case <-ctx.Done():
				p.Send(ErrMsg{Err: ctx.Err()})
				return
			case <-ticker.C:
				fetchCtx, cancel := context.WithTimeout(ctx, interval)
				p.Send(fetch(fetchCtx))
				cancel()
			}
		}
	}()

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	if fm, ok := finalModel.(Model); ok && fm.Err != nil && ctx.Err() == nil {
		return fm.Err
	}
	return nil
}
