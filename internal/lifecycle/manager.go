package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corekeeper/ckcore/internal/logging"
)

// Manager tracks registered components and their declared dependencies,
// starts them dependencies-first and stops them in reverse start order.
// A failed start rolls back everything that already started.
type Manager struct {
	mu              sync.Mutex
	components      []Component
	dependsOn       map[Component][]Component
	started         []Component
	running         map[Component]bool
	shutdownTimeout time.Duration
	logger          *logging.Logger
}

// NewManager returns a Manager with a 30s per-component shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		dependsOn:       map[Component][]Component{},
		running:         map[Component]bool{},
		shutdownTimeout: 30 * time.Second,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// SetShutdownTimeout changes the per-component grace period used by Stop.
func (m *Manager) SetShutdownTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = d
}

// Register adds a component. Dependencies must already be registered; a
// component starts only after all of them and stops before any of them.
func (m *Manager) Register(c Component, deps ...Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c == nil {
		return errors.New("cannot register nil component")
	}
	if c.Name() == "" {
		return errors.New("component needs a non-empty name")
	}
	for _, existing := range m.components {
		if existing == c {
			return fmt.Errorf("component %s already registered", c.Name())
		}
	}
	for _, dep := range deps {
		if !m.isRegistered(dep) {
			return fmt.Errorf("dependency %s of %s is not registered", dep.Name(), c.Name())
		}
	}
	if m.reaches(c, deps) {
		return fmt.Errorf("registering %s would create a dependency cycle", c.Name())
	}

	m.components = append(m.components, c)
	m.dependsOn[c] = deps
	m.logger.Debug("registered %s (%d dependencies)", c.Name(), len(deps))
	return nil
}

func (m *Manager) isRegistered(c Component) bool {
	for _, existing := range m.components {
		if existing == c {
			return true
		}
	}
	return false
}

// reaches reports whether target is reachable through deps, which would
// close a cycle when target itself declares deps.
func (m *Manager) reaches(target Component, deps []Component) bool {
	seen := map[Component]bool{}
	var walk func(from []Component) bool
	walk = func(from []Component) bool {
		for _, dep := range from {
			if dep == target {
				return true
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if walk(m.dependsOn[dep]) {
				return true
			}
		}
		return false
	}
	return walk(deps)
}

// Start brings all components up in dependency order. On the first failure
// everything already started is stopped again, newest first, and the
// failure is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = nil
	for _, c := range m.sorted() {
		m.logger.Info("starting %s", c.Name())
		begin := time.Now()
		if err := c.Start(ctx); err != nil {
			m.logger.Error("failed to start %s: %v", c.Name(), err)
			m.rollback()
			return fmt.Errorf("starting %s: %w", c.Name(), err)
		}
		m.running[c] = true
		m.started = append(m.started, c)
		m.logger.Info("%s started (took %dms)", c.Name(), time.Since(begin).Milliseconds())
	}
	m.logger.Info("all components started")
	return nil
}

// sorted returns the components dependencies-first, preserving registration
// order between independent components.
func (m *Manager) sorted() []Component {
	visited := map[Component]bool{}
	var out []Component
	var visit func(c Component)
	visit = func(c Component) {
		if visited[c] {
			return
		}
		visited[c] = true
		for _, dep := range m.dependsOn[c] {
			visit(dep)
		}
		out = append(out, c)
	}
	for _, c := range m.components {
		visit(c)
	}
	return out
}

func (m *Manager) rollback() {
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		m.logger.Debug("rolling back %s", c.Name())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Stop(ctx); err != nil {
			m.logger.Warn("rollback stop of %s: %v", c.Name(), err)
		}
		cancel()
		m.running[c] = false
	}
	m.started = nil
}

// Stop shuts components down in reverse start order. Each component gets
// its own grace period; failures are logged and do not block the rest.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("stopping all components")
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		if !m.running[c] {
			continue
		}
		m.logger.Info("stopping %s", c.Name())
		begin := time.Now()
		cctx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		err := c.Stop(cctx)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			m.logger.Warn("%s exceeded its %s grace period", c.Name(), m.shutdownTimeout)
		case err != nil:
			m.logger.Error("stopping %s: %v", c.Name(), err)
		default:
			m.logger.Info("%s stopped (took %dms)", c.Name(), time.Since(begin).Milliseconds())
		}
		m.running[c] = false
	}
	m.started = nil
	m.logger.Info("all components stopped")
	return nil
}

// IsRunning reports whether c started and has not stopped.
func (m *Manager) IsRunning(c Component) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[c]
}
