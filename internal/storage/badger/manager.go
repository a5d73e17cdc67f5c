package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/common"
	"github.com/whotracksme/wtm-reporting/internal/interfaces"
)

// Manager is the single embedded Badger connection backing every persisted
// CORE component (SPEC_FULL.md §2 DOMAIN STACK: "one *badger.BadgerDB, many
// logical keyspaces"). It exposes the two storage contracts the CORE
// actually consumes, KeyValueStorage and SessionStorage.
type Manager struct {
	db      *BadgerDB
	kv      interfaces.KeyValueStorage
	session interfaces.SessionStorage
	logger  arbor.ILogger
}

// NewManager opens the Badger database and wires both storage contracts
// over it.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:      db,
		kv:      NewKVStorage(db, logger),
		session: NewSessionStorage(db, logger),
		logger:  logger,
	}

	logger.Info().Msg("Badger storage manager initialized")
	return manager, nil
}

// KeyValueStorage returns the tree-shaped KV store backing C1-C5.
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// SessionStorage returns the sandboxed session mirror backing C3.
func (m *Manager) SessionStorage() interfaces.SessionStorage {
	return m.session
}

// DB returns the underlying badgerhold store, for callers (tests, admin
// tooling) that need direct access.
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
