package service

import (
	"github.com/pkg/errors"

	"github.com/taskhive/taskhive/pkg/storage"
)

// inTx runs fn against a transaction-scoped store, committing when fn
// succeeds and rolling back when it errors. Events for the transition
// must be emitted by the caller after inTx returns nil, so a failed
// commit never publishes an event for a write that was rolled back.
func inTx(store storage.Store, logger Logger, fn func(txStore storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}
