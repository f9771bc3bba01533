package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateService = errors.New("service already registered")
	ErrAlreadyStarted   = errors.New("manager already started")
)

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	mu       sync.Mutex
	services []Service
	names    map[string]struct{}
	started  []Service
	running  bool
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{names: make(map[string]struct{})}
}

// Register adds a service. Registration after Start is rejected.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}
	name := svc.Name()
	if _, ok := m.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	m.names[name] = struct{}{}
	m.services = append(m.services, svc)
	return nil
}

// Services returns the registered service names in start order.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.services))
	for i, svc := range m.services {
		out[i] = svc.Name()
	}
	return out
}

// Start starts every service. If one fails, the ones already started are
// stopped again and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	for _, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			startErr := fmt.Errorf("start %s: %w", svc.Name(), err)
			if stopErr := m.stopLocked(ctx); stopErr != nil {
				return errors.Join(startErr, stopErr)
			}
			return startErr
		}
		m.started = append(m.started, svc)
	}
	m.running = true
	return nil
}

// Stop stops started services in reverse order, collecting every error.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.stopLocked(ctx)
	m.running = false
	return err
}

func (m *Manager) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}
	m.started = nil
	return errors.Join(errs...)
}

// NoopService satisfies Service for components without a lifecycle so they
// still appear in the service list.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string { return n.ServiceName }
func (n NoopService) Start(ctx context.Context) error { return nil }
func (n NoopService) Stop(ctx context.Context) error { return nil }
