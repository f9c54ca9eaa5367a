package directory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/medinsights/api/internal/platform/db"
	"github.com/medinsights/api/internal/platform/db/dbtest"
	"github.com/medinsights/api/pkg/pagination"
)

// recordingSource remembers every session it hands out.
type recordingSource struct {
	pool     *db.SessionPool
	sessions []*db.Session
}

func (r *recordingSource) Acquire(ctx context.Context, tenant string) (*db.Session, error) {
	s, err := r.pool.Acquire(ctx, tenant)
	if err == nil {
		r.sessions = append(r.sessions, s)
	}
	return s, err
}

func (r *recordingSource) Discard(tenant string) { r.pool.Discard(tenant) }

func staticSource(src SessionSource) SourceFunc {
	return func(context.Context) (SessionSource, error) { return src, nil }
}

func TestService_SearchDoctorsPerCountry(t *testing.T) {
	d := &dbtest.Dialer{Respond: func(tenant string) dbtest.Responder {
		return func(string, []any) (pgx.Rows, error) {
			if tenant == "DE" {
				return dbtest.NewRows(doctorColumns,
					[]any{int64(5), "Dr. Jonas Weber", int64(50), "Praxis", nil, nil},
					[]any{int64(6), "Dr. Lea Koch", nil, nil, nil, nil},
				), nil
			}
			return dbtest.NewRows(doctorColumns, []any{int64(1), "Dr. Anna Rossi", int64(10), "Studio", nil, nil}), nil
		}
	}}
	pool := testFactory(d, "IT", "DE").NewPool(zerolog.Nop())
	defer pool.CloseAll()

	svc := NewService(staticSource(pool))
	results, err := svc.SearchDoctors(context.Background(), []string{"IT", "DE"}, Filter{}, ModeSearch)
	if err != nil {
		t.Fatalf("SearchDoctors() error: %v", err)
	}
	if len(results) != 2 || results[0].Country != "IT" || results[1].Country != "DE" {
		t.Fatalf("expected results for IT then DE, got %+v", results)
	}
	if results[0].Total != 1 || results[1].Total != 2 {
		t.Errorf("unexpected totals %d, %d", results[0].Total, results[1].Total)
	}
	if got := strings.Join(pool.Tenants(), ","); got != "DE,IT" {
		t.Errorf("expected one session per country, got %s", got)
	}
}

func TestService_TeardownAfterPartialFailure(t *testing.T) {
	d := &dbtest.Dialer{Respond: func(tenant string) dbtest.Responder {
		return func(string, []any) (pgx.Rows, error) {
			if tenant == "AT" {
				return nil, errors.New("canceling statement due to user request")
			}
			return dbtest.NewRows(doctorColumns, []any{int64(1), "Dr. Anna Rossi", nil, nil, nil, nil}), nil
		}
	}}
	factory := testFactory(d, "IT", "DE", "AT")
	pool := factory.NewPool(zerolog.Nop())
	src := &recordingSource{pool: pool}

	results, err := NewService(staticSource(src)).SearchDoctors(context.Background(), []string{"IT", "DE", "AT"}, Filter{}, ModeSearch)
	pool.CloseAll()

	var qe *db.QueryExecutionError
	if !errors.As(err, &qe) || qe.Tenant != "AT" {
		t.Fatalf("expected a query failure for AT, got %v", err)
	}
	if results != nil {
		t.Error("expected partial results to be discarded")
	}
	if len(src.sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(src.sessions))
	}
	for _, s := range src.sessions {
		if s.Connected() {
			t.Errorf("expected session %s to report connected=false", s.Tenant())
		}
	}
	for _, c := range d.Conns() {
		if c.Closes() != 1 {
			t.Errorf("expected connection %s closed once, got %d", c.Tenant, c.Closes())
		}
	}
}

func TestService_GetDoctorNotFound(t *testing.T) {
	d := &dbtest.Dialer{Respond: doctorRows()}
	pool := testFactory(d, "IT").NewPool(zerolog.Nop())
	defer pool.CloseAll()

	_, err := NewService(staticSource(pool)).GetDoctor(context.Background(), "IT", 404)
	if !errors.Is(err, ErrDoctorNotFound) {
		t.Errorf("expected ErrDoctorNotFound, got %v", err)
	}
}

func TestService_Opinions(t *testing.T) {
	d := &dbtest.Dialer{Respond: func(string) dbtest.Responder {
		return func(string, []any) (pgx.Rows, error) {
			return dbtest.NewRows([]string{"opinion_id", "doctor_id", "rate", "total_count"},
				[]any{int64(3), int64(42), 5.0, int64(27)},
				[]any{int64(2), int64(42), 4.0, int64(27)},
			), nil
		}
	}}
	pool := testFactory(d, "IT").NewPool(zerolog.Nop())
	defer pool.CloseAll()

	items, total, err := NewService(staticSource(pool)).Opinions(context.Background(), "IT", 42, pagination.New(2, 0))
	if err != nil {
		t.Fatalf("Opinions() error: %v", err)
	}
	if total != 27 || len(items) != 2 {
		t.Errorf("expected 2 of 27 opinions, got %d of %d", len(items), total)
	}
	if items[0].Has("total_count") {
		t.Error("expected total_count to be stripped from items")
	}
}

func TestService_SingleRecordQueries(t *testing.T) {
	d := &dbtest.Dialer{Respond: func(string) dbtest.Responder {
		return func(string, []any) (pgx.Rows, error) {
			return dbtest.NewRows([]string{"doctors", "clinics"}), nil
		}
	}}
	pool := testFactory(d, "IT").NewPool(zerolog.Nop())
	defer pool.CloseAll()

	stats, err := NewService(staticSource(pool)).Stats(context.Background(), "IT")
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats == nil || len(stats) != 0 {
		t.Errorf("expected an empty record, got %v", stats)
	}
}

func TestService_NoPoolInContext(t *testing.T) {
	_, err := NewService(nil).Cities(context.Background(), "IT")
	if !errors.Is(err, errNoSessionPool) {
		t.Errorf("expected errNoSessionPool, got %v", err)
	}
}
