package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medinsights/api/internal/platform/db"
	"github.com/medinsights/api/internal/platform/metrics"
)

// SessionSource hands out the request's tenant sessions. *db.SessionPool
// implements it.
type SessionSource interface {
	Acquire(ctx context.Context, tenant string) (*db.Session, error)
	Discard(tenant string)
}

// Execute runs d on the tenant's session and returns every record, never
// nil. A failed statement closes the owning session before the error is
// returned.
func Execute(ctx context.Context, src SessionSource, d Descriptor) ([]db.Record, error) {
	session, err := src.Acquire(ctx, d.Tenant)
	if err != nil {
		return nil, err
	}

	records, err := session.Run(ctx, d.Text, d.Args...)
	if err != nil {
		src.Discard(d.Tenant)
		var qe *db.QueryExecutionError
		if errors.As(err, &qe) {
			zerolog.Ctx(ctx).Error().Err(qe.Err).
				Str("tenant", qe.Tenant).
				Str("query", d.Name).
				Str("digest", qe.Digest).
				Msg("query failed")
		}
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	if records == nil {
		records = []db.Record{}
	}
	metrics.QueryRecords.WithLabelValues(d.Tenant, d.Name).Observe(float64(len(records)))
	return records, nil
}

// Doctors executes a doctor query and folds its records.
func Doctors(ctx context.Context, src SessionSource, d Descriptor) ([]*Doctor, error) {
	if d.Shape == nil {
		return nil, fmt.Errorf("%s: query has no join shape", d.Name)
	}
	records, err := Execute(ctx, src, d)
	if err != nil {
		return nil, err
	}
	return Aggregate(records, *d.Shape)
}
