package service

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskhive/taskhive/pkg/storage"
)

// mapStoreErr lifts storage sentinels into the engine's error taxonomy.
func mapStoreErr(err error, entity string, id uuid.UUID) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return validationf("%s %s not found", entity, id)
	case errors.Is(err, storage.ErrConflict):
		return conflictf("%s %s changed concurrently, re-fetch and retry", entity, id)
	}
	return errors.Wrapf(err, "%s %s", entity, id)
}
