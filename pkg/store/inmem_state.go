package store

import (
	"fmt"
	"sync"

	"github.com/szmyd/graft/pkg/msg"
	"github.com/szmyd/graft/pkg/raft"
)

var (
	_ raft.LogStore     = (*InMemLogStore)(nil)
	_ raft.StateManager = (*InMemStateManager)(nil)
)

// InMemStateManager keeps durable server state in memory. It survives
// engine restarts within a process, which is what cluster tests need to
// exercise recovery paths.
type InMemStateManager struct {
	mu     sync.Mutex
	id     int32
	state  *raft.SrvState
	config *msg.ClusterConfig
	log    raft.LogStore

	// ExitHandler intercepts fatal faults; the default panics so tests
	// fail loudly instead of limping on with broken durability.
	ExitHandler func(code int)
}

func NewInMemStateManager(id int32, initialConfig *msg.ClusterConfig) *InMemStateManager {
	return &InMemStateManager{
		id:     id,
		config: initialConfig.Clone(),
		log:    NewInMemLogStore(),
	}
}

// WithLogStore substitutes a different log store implementation.
func (m *InMemStateManager) WithLogStore(l raft.LogStore) *InMemStateManager {
	m.log = l
	return m
}

func (m *InMemStateManager) LoadConfig() (*msg.ClusterConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		return nil, nil
	}
	return m.config.Clone(), nil
}

func (m *InMemStateManager) SaveConfig(conf *msg.ClusterConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = conf.Clone()
	return nil
}

func (m *InMemStateManager) SaveState(st *raft.SrvState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st.Clone()
	return nil
}

func (m *InMemStateManager) ReadState() (*raft.SrvState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	return m.state.Clone(), nil
}

func (m *InMemStateManager) LoadLogStore() raft.LogStore { return m.log }

func (m *InMemStateManager) ServerID() int32 { return m.id }

func (m *InMemStateManager) SystemExit(code int) {
	if m.ExitHandler != nil {
		m.ExitHandler(code)
		return
	}
	panic(fmt.Sprintf("store: state manager for server %d asked to exit with code %d", m.id, code))
}
