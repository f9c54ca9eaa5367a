package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cast"

	"github.com/medinsights/api/internal/platform/db"
	"github.com/medinsights/api/pkg/pagination"
)

var (
	ErrDoctorNotFound = errors.New("doctor not found")
	errNoSessionPool  = errors.New("no session pool in request context")
)

// SourceFunc resolves the session source of a request.
type SourceFunc func(ctx context.Context) (SessionSource, error)

// PoolSource returns the request pool installed by db.Sessions.
func PoolSource(ctx context.Context) (SessionSource, error) {
	pool := db.PoolFromContext(ctx)
	if pool == nil {
		return nil, errNoSessionPool
	}
	return pool, nil
}

// TenantResult is the doctor listing of one country.
type TenantResult struct {
	Country string    `json:"country"`
	Items   []*Doctor `json:"items"`
	Total   int       `json:"total"`
}

type Service struct {
	source SourceFunc
}

func NewService(source SourceFunc) *Service {
	if source == nil {
		source = PoolSource
	}
	return &Service{source: source}
}

func (s *Service) run(ctx context.Context, d Descriptor) ([]db.Record, error) {
	src, err := s.source(ctx)
	if err != nil {
		return nil, err
	}
	return Execute(ctx, src, d)
}

// SearchDoctors runs the doctor query on each tenant in turn. A failing
// tenant fails the whole search and no partial results are returned.
func (s *Service) SearchDoctors(ctx context.Context, tenants []string, f Filter, mode Mode) ([]TenantResult, error) {
	src, err := s.source(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]TenantResult, 0, len(tenants))
	for _, tenant := range tenants {
		items, err := Doctors(ctx, src, DoctorsQuery(tenant, f, mode))
		if err != nil {
			return nil, fmt.Errorf("country %s: %w", tenant, err)
		}
		results = append(results, TenantResult{Country: tenant, Items: items, Total: len(items)})
	}
	return results, nil
}

// GetDoctor looks a single doctor up by id, with opinions.
func (s *Service) GetDoctor(ctx context.Context, tenant string, id int64) (*Doctor, error) {
	src, err := s.source(ctx)
	if err != nil {
		return nil, err
	}
	items, err := Doctors(ctx, src, DoctorsQuery(tenant, Filter{DoctorID: &id}, ModeSearch))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrDoctorNotFound
	}
	return items[0], nil
}

func (s *Service) Specializations(ctx context.Context, tenant string) ([]db.Record, error) {
	return s.run(ctx, SpecializationsQuery(tenant))
}

func (s *Service) PopularSpecializations(ctx context.Context, tenant string, limit int) ([]db.Record, error) {
	return s.run(ctx, PopularSpecializationsQuery(tenant, limit))
}

func (s *Service) Cities(ctx context.Context, tenant string) ([]db.Record, error) {
	return s.run(ctx, CitiesQuery(tenant))
}

// Opinions returns one page of a doctor's opinions and the unpaged total.
func (s *Service) Opinions(ctx context.Context, tenant string, doctorID int64, page pagination.Params) ([]db.Record, int, error) {
	records, err := s.run(ctx, OpinionsQuery(tenant, doctorID, page))
	if err != nil {
		return nil, 0, err
	}
	total := 0
	for _, rec := range records {
		if v, ok := rec.Lookup("total_count"); ok {
			total = cast.ToInt(v)
		}
		delete(rec, "total_count")
	}
	return records, total, nil
}

func (s *Service) OpinionStats(ctx context.Context, tenant string, doctorID int64) (db.Record, error) {
	return s.single(ctx, OpinionStatsQuery(tenant, doctorID))
}

func (s *Service) ClinicTelephones(ctx context.Context, tenant string, clinicID int64) ([]db.Record, error) {
	return s.run(ctx, ClinicTelephonesQuery(tenant, clinicID))
}

func (s *Service) ClinicServices(ctx context.Context, tenant string, clinicID int64) ([]db.Record, error) {
	return s.run(ctx, ClinicServicesQuery(tenant, clinicID))
}

func (s *Service) Stats(ctx context.Context, tenant string) (db.Record, error) {
	return s.single(ctx, StatsQuery(tenant))
}

// Ping runs a trivial statement on the tenant's session.
func (s *Service) Ping(ctx context.Context, tenant string) error {
	_, err := s.run(ctx, Descriptor{Tenant: tenant, Name: "ping", Text: "SELECT 1"})
	return err
}

// single returns the first record of an aggregate query, or an empty
// record when none came back.
func (s *Service) single(ctx context.Context, d Descriptor) (db.Record, error) {
	records, err := s.run(ctx, d)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return db.Record{}, nil
	}
	return records[0], nil
}
