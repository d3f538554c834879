package engine

import (
	"context"
	"time"

	"shopline/internal/domain"
)

// Backend is the query and mutation interface of the backing store. store.Service serves it
// in process and the sdk client serves it over HTTP.
type Backend interface {
	// FetchSchedule returns the records of area whose resolved interval intersects
	// [from, to]. Nil bounds are open.
	FetchSchedule(ctx context.Context, area string, from, to *time.Time) ([]domain.ExternalRecord, error)
	FetchMachines(ctx context.Context, area string) ([]domain.Machine, error)
	CreateStatusRecord(ctx context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error)
	UpdateStatusRecord(ctx context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error)
	DeleteStatusRecord(ctx context.Context, id string) (bool, error)
	// UpdateWorkOrder accepts changes to machine, area and planned start only.
	UpdateWorkOrder(ctx context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error)
}
