// Package recovery reconciles the execution engine with stored messages when
// the application restarts.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that restores its state at startup.
type Recoverable interface {
	Name() string
	Recover(ctx context.Context) (int, error)
}

// Manager runs every registered Recoverable in registration order.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a Manager with the given components.
func NewManager(rs ...Recoverable) *Manager {
	return &Manager{recoverables: rs}
}

// Register adds a component.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll recovers every component. A failing component does not stop
// the others.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered := 0
	failed := 0
	for _, r := range m.recoverables {
		n, err := r.Recover(ctx)
		if err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			failed++
			continue
		}
		slog.Info("Manager.RecoverAll: component recovered", "component", r.Name(), "items", n)
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}
