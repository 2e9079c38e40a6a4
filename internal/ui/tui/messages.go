// Package tui is the Bubble Tea dashboard behind metalctl watch.
package tui

import "github.com/imamik/metalconductor/api/v1alpha1"

// NodesMsg carries the latest fleet snapshot from the conductor.
type NodesMsg struct {
	Nodes      []v1alpha1.Node
	Conductors []v1alpha1.Conductor
	FetchErr   string
}

// TickMsg advances the spinner.
type TickMsg struct{}

// ErrMsg carries an error that ends the dashboard.
type ErrMsg struct{ Err error }
