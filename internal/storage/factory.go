package storage

import (
	"github.com/ternarybob/arbor"
	"github.com/whotracksme/wtm-reporting/internal/common"
	"github.com/whotracksme/wtm-reporting/internal/storage/badger"
)

// NewStorageManager creates the Badger-backed storage manager (spec.md §6
// "browser storage primitive" is the only KV engine C1-C5 use).
func NewStorageManager(logger arbor.ILogger, config *common.Config) (*badger.Manager, error) {
	return badger.NewManager(logger, &config.Storage.Badger)
}
