// Package handlers implements the business logic for metalctl commands.
//
// Each exported function backs one cobra command. Handlers talk to the
// conductor through the API interface so tests can swap in a fake by
// replacing the package-level factory variables.
package handlers
