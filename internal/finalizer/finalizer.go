// Package finalizer commits completed simulation outputs to the permanent
// results store.
package finalizer

import "context"

// Finalizer is the contract by which a completed run's output folder is
// handed to the external results store. The controller holds an injected
// Finalizer reference; failure is the run's failure, never swallowed, because
// it is the only evidence the study's data landed in the permanent store.
type Finalizer interface {
	Finalize(ctx context.Context, outputFolder string) error
}

// Noop leaves outputs where the simulation wrote them. Used when no
// results database is configured.
type Noop struct{}

func (Noop) Finalize(context.Context, string) error { return nil }
