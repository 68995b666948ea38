package directory

import (
	"errors"
	"sync"

	"github.com/openfleet/shepherd/pkg/storage"
	"github.com/openfleet/shepherd/pkg/types"
)

// ErrHostNotFound is returned when the directory has no record for a host.
var ErrHostNotFound = errors.New("host not found in directory")

// Child is one child host and its current running state, as reported by
// the directory at snapshot time.
type Child struct {
	ChildID string
	Running bool
}

// HostDirectory is the authoritative source of host identity,
// approval/active status and parent/child topology. The queue core and
// the orchestrator only ever read from it.
type HostDirectory interface {
	// IsTargetValid reports whether the host exists and is both active
	// and approved, i.e. an eligible message target.
	IsTargetValid(hostID string) (bool, error)

	// ListChildren returns the child hosts of a parent with their
	// current running state.
	ListChildren(parentHostID string) ([]Child, error)
}

// StoreDirectory is a HostDirectory backed by the persisted host records
// in the storage layer.
type StoreDirectory struct {
	store storage.Store
}

// NewStoreDirectory creates a directory over persisted host records.
func NewStoreDirectory(store storage.Store) *StoreDirectory {
	return &StoreDirectory{store: store}
}

func (d *StoreDirectory) IsTargetValid(hostID string) (bool, error) {
	host, err := d.store.GetHost(hostID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return host.Active && host.Approved, nil
}

func (d *StoreDirectory) ListChildren(parentHostID string) ([]Child, error) {
	if _, err := d.store.GetHost(parentHostID); errors.Is(err, storage.ErrNotFound) {
		return nil, ErrHostNotFound
	} else if err != nil {
		return nil, err
	}

	hosts, err := d.store.ListHostsByParent(parentHostID)
	if err != nil {
		return nil, err
	}
	children := make([]Child, 0, len(hosts))
	for _, h := range hosts {
		children = append(children, Child{ChildID: h.ID, Running: h.Running})
	}
	return children, nil
}

// Memory is an in-memory HostDirectory for tests and embedded use.
type Memory struct {
	mu    sync.RWMutex
	hosts map[string]*types.Host
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{hosts: make(map[string]*types.Host)}
}

// AddHost inserts or replaces a host record.
func (m *Memory) AddHost(host *types.Host) {
	m.mu.Lock()
	m.hosts[host.ID] = host
	m.mu.Unlock()
}

// RemoveHost deletes a host record.
func (m *Memory) RemoveHost(id string) {
	m.mu.Lock()
	delete(m.hosts, id)
	m.mu.Unlock()
}

func (m *Memory) IsTargetValid(hostID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.hosts[hostID]
	if !ok {
		return false, nil
	}
	return host.Active && host.Approved, nil
}

func (m *Memory) ListChildren(parentHostID string) ([]Child, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.hosts[parentHostID]; !ok {
		return nil, ErrHostNotFound
	}
	var children []Child
	for _, h := range m.hosts {
		if h.ParentID == parentHostID {
			children = append(children, Child{ChildID: h.ID, Running: h.Running})
		}
	}
	return children, nil
}
