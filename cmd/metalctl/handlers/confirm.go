package handlers

import (
	"fmt"

	"github.com/charmbracelet/huh"
)

// confirm asks the operator before a destructive action.
var confirm = func(title, description string) (bool, error) {
	var ok bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).Run()
	return ok, err
}

// confirmDestructive gates an irreversible action behind --yes or a prompt.
func confirmDestructive(opts Options, title, description string) error {
	if opts.Yes {
		return nil
	}
	if !isInteractiveTTY() {
		return fmt.Errorf("%s: refusing to continue without --yes on a non-interactive terminal", title)
	}
	ok, err := confirm(title, description)
	if err != nil {
		return fmt.Errorf("confirmation canceled: %w", err)
	}
	if !ok {
		return fmt.Errorf("aborted by user")
	}
	return nil
}
