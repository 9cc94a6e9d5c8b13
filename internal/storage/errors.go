package storage

import "github.com/ethrdev/cogmem/internal/model"

// ErrNotFound is returned when a requested entity does not exist.
// Re-exported from model so callers can use either spelling; the storage
// layer and the model layer share one sentinel.
var ErrNotFound = model.ErrNotFound
