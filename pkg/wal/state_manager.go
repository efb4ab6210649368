package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/szmyd/graft/pkg/msg"
	"github.com/szmyd/graft/pkg/raft"
)

const (
	stateFileName  = "state.dat"
	configFileName = "config.dat"
)

var (
	_ raft.LogStore     = (*FileLogStore)(nil)
	_ raft.StateManager = (*FileStateManager)(nil)
)

// FileStateManager persists server identity, durable state and cluster
// configuration under one directory, alongside the log store.
type FileStateManager struct {
	mu  sync.Mutex
	dir string
	id  int32
	log *FileLogStore

	stateFile  *os.File
	configFile *os.File
}

// OpenStateManager opens (or initializes) persistence for server id under
// dir. initialConfig seeds the configuration on first start only.
func OpenStateManager(dir string, id int32, initialConfig *msg.ClusterConfig) (*FileStateManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	log, err := OpenLogStore(dir)
	if err != nil {
		return nil, err
	}
	stateFile, err := os.OpenFile(filepath.Join(dir, stateFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("wal: open state file: %w", err)
	}
	configFile, err := os.OpenFile(filepath.Join(dir, configFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		log.Close()
		stateFile.Close()
		return nil, fmt.Errorf("wal: open config file: %w", err)
	}

	m := &FileStateManager{
		dir:        dir,
		id:         id,
		log:        log,
		stateFile:  stateFile,
		configFile: configFile,
	}

	existing, err := m.LoadConfig()
	if err != nil {
		m.Close()
		return nil, err
	}
	if existing == nil && initialConfig != nil {
		if err := m.SaveConfig(initialConfig); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (m *FileStateManager) LoadConfig() (*msg.ClusterConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := readRecord(m.configFile)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return msg.DecodeClusterConfig(data)
}

func (m *FileStateManager) SaveConfig(conf *msg.ClusterConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writeRecord(m.configFile, conf.Encode())
}

func (m *FileStateManager) SaveState(st *raft.SrvState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writeRecord(m.stateFile, st.Encode())
}

func (m *FileStateManager) ReadState() (*raft.SrvState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := readRecord(m.stateFile)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return raft.DecodeSrvState(data)
}

func (m *FileStateManager) LoadLogStore() raft.LogStore { return m.log }

func (m *FileStateManager) ServerID() int32 { return m.id }

// SystemExit terminates the process: a server that cannot persist durable
// state must not keep participating in consensus.
func (m *FileStateManager) SystemExit(code int) {
	os.Exit(code)
}

func (m *FileStateManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	if err := m.log.Close(); err != nil {
		firstErr = err
	}
	if err := m.stateFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.configFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
