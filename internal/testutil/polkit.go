package testutil

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/storage-dispatcher/internal/dbus"
)

// PolkitSubject mirrors the (sa{sv}) subject of CheckAuthorization.
type PolkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// PolkitResult mirrors the (bba{ss}) reply of CheckAuthorization.
type PolkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// PolkitCheck is one recorded CheckAuthorization call.
type PolkitCheck struct {
	Subject        PolkitSubject
	Action         string
	Flags          uint32
	CancellationID string
}

// MockPolkit is a minimal org.freedesktop.PolicyKit1 authority. Actions
// listed in Allowed are granted; everything else is denied.
type MockPolkit struct {
	mu      sync.Mutex
	allowed map[string]bool
	checks  []PolkitCheck
	block   chan struct{}
	cancels []string
}

// NewMockPolkit creates an authority that grants the given actions.
func NewMockPolkit(allowed ...string) *MockPolkit {
	m := &MockPolkit{allowed: make(map[string]bool)}
	for _, a := range allowed {
		m.allowed[a] = true
	}
	return m
}

// Allow grants action from now on.
func (m *MockPolkit) Allow(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed[action] = true
}

// Block makes CheckAuthorization hang until the returned function is
// called, simulating a pending password dialog.
func (m *MockPolkit) Block() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Checks returns every CheckAuthorization call received.
func (m *MockPolkit) Checks() []PolkitCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PolkitCheck(nil), m.checks...)
}

// Cancels returns the cancellation ids received by CancelCheckAuthorization.
func (m *MockPolkit) Cancels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancels...)
}

// Register exports the authority on conn and claims the polkit name.
func (m *MockPolkit) Register(conn *dbus.Conn) error {
	methods := map[string]any{
		"CheckAuthorization": func(subject PolkitSubject, action string, details map[string]string, flags uint32, id string) (PolkitResult, *dbus.Error) {
			m.mu.Lock()
			m.checks = append(m.checks, PolkitCheck{Subject: subject, Action: action, Flags: flags, CancellationID: id})
			block := m.block
			m.mu.Unlock()

			if block != nil {
				<-block
			}

			m.mu.Lock()
			defer m.mu.Unlock()
			return PolkitResult{IsAuthorized: m.allowed[action], Details: map[string]string{}}, nil
		},
		"CancelCheckAuthorization": func(id string) *dbus.Error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.cancels = append(m.cancels, id)
			return nil
		},
	}
	if err := conn.ExportMethodTable(methods, dbustypes.PolkitPath, dbustypes.PolkitInterface); err != nil {
		return fmt.Errorf("export polkit authority: %w", err)
	}
	return requestName(conn, dbustypes.PolkitBusName)
}
