package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"github.com/medinsights/api/internal/platform/auth"
	"github.com/medinsights/api/internal/platform/db"
	"github.com/medinsights/api/pkg/pagination"
)

const Version = "2.0"

type Handler struct {
	svc           *Service
	countries     []string
	defaultTenant string
}

func NewHandler(svc *Service, countries []string, defaultTenant string) *Handler {
	return &Handler{svc: svc, countries: countries, defaultTenant: defaultTenant}
}

// RegisterRoutes mounts every directory route on g, once as is and once
// under a /:country prefix.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/", h.Index)
	g.GET("/info", h.Info)

	h.routes(g)
	country := g.Group("/:country")
	country.GET("/health", h.CountryHealth)
	h.routes(country)
}

func (h *Handler) routes(g *echo.Group) {
	g.GET("/doctors", h.ListDoctors)
	g.POST("/doctors", h.ListDoctors)
	g.GET("/doctors/search", h.SearchDoctors)
	g.POST("/doctors/search", h.SearchDoctors)
	g.GET("/doctors/top-rated", h.TopRatedDoctors)
	g.GET("/doctors/available", h.AvailableDoctors)
	g.POST("/doctors/available", h.AvailableDoctors)
	g.GET("/doctors/:id", h.GetDoctor)
	g.GET("/doctors/:id/opinions", h.ListOpinions)
	g.GET("/doctors/:id/opinion-stats", h.GetOpinionStats)

	g.GET("/specializations", h.ListSpecializations)
	g.GET("/specializations/popular", h.PopularSpecializations)
	g.GET("/cities", h.ListCities)

	g.GET("/clinics/:id/telephones", h.ListClinicTelephones)
	g.GET("/clinics/:id/services", h.ListClinicServices)

	g.GET("/stats", h.GetStats)
}

func (h *Handler) Index(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": "welcome to medinsight backend"})
}

func (h *Handler) Info(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":   "MedInsights API",
		"version":   Version,
		"countries": h.countries,
		"endpoints": map[string]interface{}{
			"doctors": map[string]string{
				"basic":      "/doctors?country=<CC>",
				"by_country": "/<country>/doctors",
				"by_id":      "/doctors/<doctor_id>",
				"search":     "/doctors/search",
				"top_rated":  "/doctors/top-rated",
				"available":  "/doctors/available",
			},
			"specializations": map[string]string{
				"all":     "/specializations?country=<CC>",
				"popular": "/specializations/popular",
			},
			"cities": map[string]string{"all": "/cities?country=<CC>"},
			"opinions": map[string]string{
				"doctor_opinions": "/doctors/<doctor_id>/opinions",
				"opinion_stats":   "/doctors/<doctor_id>/opinion-stats",
			},
			"clinics": map[string]string{
				"telephones": "/clinics/<clinic_id>/telephones",
				"services":   "/clinics/<clinic_id>/services",
			},
			"stats":  map[string]string{"database": "/stats?country=<CC>"},
			"health": map[string]string{"general": "/health", "by_country": "/<country>/health"},
		},
		"supported_filters": map[string][]string{
			"doctors":         {"id", "city", "profession", "search_term", "min_rate", "max_rate", "has_slots", "allow_questions", "limit", "offset", "country"},
			"specializations": {"limit"},
			"opinions":        {"limit", "offset"},
			"top_rated":       {"limit", "min_rate"},
		},
	})
}

// -- Doctors --

func (h *Handler) ListDoctors(c echo.Context) error {
	return h.doctors(c, ModeSearch)
}

func (h *Handler) SearchDoctors(c echo.Context) error {
	return h.doctors(c, ModeSearch)
}

func (h *Handler) TopRatedDoctors(c echo.Context) error {
	return h.doctors(c, ModeTopRated)
}

func (h *Handler) AvailableDoctors(c echo.Context) error {
	return h.doctors(c, ModeAvailable)
}

func (h *Handler) doctors(c echo.Context, mode Mode) error {
	f, err := h.filter(c)
	if err != nil {
		return httpError(err)
	}
	tenants, err := h.tenants(c, f)
	if err != nil {
		return httpError(err)
	}

	results, err := h.svc.SearchDoctors(c.Request().Context(), tenants, f, mode)
	if err != nil {
		return httpError(err)
	}

	filters := f.Applied()
	if mode == ModeTopRated {
		if _, ok := filters["min_rate"]; !ok {
			filters["min_rate"] = TopRatedMinRate
		}
		if _, ok := filters["limit"]; !ok {
			filters["limit"] = TopRatedLimit
		}
	}
	if mode == ModeAvailable {
		filters["has_slots"] = true
	}

	if len(results) == 1 {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"items":   results[0].Items,
			"country": results[0].Country,
			"filters": filters,
			"total":   results[0].Total,
		})
	}
	total := 0
	for _, r := range results {
		total += r.Total
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"results":   results,
		"countries": tenants,
		"filters":   filters,
		"total":     total,
	})
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return httpError(err)
	}
	tenant, err := h.tenant(c)
	if err != nil {
		return httpError(err)
	}
	doc, err := h.svc.GetDoctor(c.Request().Context(), tenant, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

type opinionsResponse struct {
	DoctorID int64  `json:"doctor_id"`
	Country  string `json:"country"`
	*pagination.Response
}

func (h *Handler) ListOpinions(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return httpError(err)
	}
	f, err := h.filter(c)
	if err != nil {
		return httpError(err)
	}
	tenant, err := h.singleTenant(c, f)
	if err != nil {
		return httpError(err)
	}

	page := pagination.New(deref(f.Limit), deref(f.Offset))
	items, total, err := h.svc.Opinions(c.Request().Context(), tenant, id, page)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(items, total, page)
	resp.Links = page.Links(c.Request().URL.Path, total)
	return c.JSON(http.StatusOK, opinionsResponse{DoctorID: id, Country: tenant, Response: resp})
}

func (h *Handler) GetOpinionStats(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return httpError(err)
	}
	tenant, err := h.tenant(c)
	if err != nil {
		return httpError(err)
	}
	stats, err := h.svc.OpinionStats(c.Request().Context(), tenant, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"doctor_id": id, "country": tenant, "data": stats})
}

// -- Specializations and cities --

func (h *Handler) ListSpecializations(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return httpError(err)
	}
	items, err := h.svc.Specializations(c.Request().Context(), tenant)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, itemsResponse(tenant, items))
}

func (h *Handler) PopularSpecializations(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return httpError(err)
	}
	tenant, err := h.singleTenant(c, f)
	if err != nil {
		return httpError(err)
	}
	limit := PopularSpecsLimit
	if f.Limit != nil {
		limit = *f.Limit
	}
	items, err := h.svc.PopularSpecializations(c.Request().Context(), tenant, limit)
	if err != nil {
		return httpError(err)
	}
	resp := itemsResponse(tenant, items)
	resp["limit"] = limit
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListCities(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return httpError(err)
	}
	items, err := h.svc.Cities(c.Request().Context(), tenant)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, itemsResponse(tenant, items))
}

// -- Clinics --

func (h *Handler) ListClinicTelephones(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return httpError(err)
	}
	tenant, err := h.tenant(c)
	if err != nil {
		return httpError(err)
	}
	items, err := h.svc.ClinicTelephones(c.Request().Context(), tenant, id)
	if err != nil {
		return httpError(err)
	}
	resp := itemsResponse(tenant, items)
	resp["clinic_id"] = id
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListClinicServices(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return httpError(err)
	}
	tenant, err := h.tenant(c)
	if err != nil {
		return httpError(err)
	}
	items, err := h.svc.ClinicServices(c.Request().Context(), tenant, id)
	if err != nil {
		return httpError(err)
	}
	resp := itemsResponse(tenant, items)
	resp["clinic_id"] = id
	return c.JSON(http.StatusOK, resp)
}

// -- Stats and health --

func (h *Handler) GetStats(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return httpError(err)
	}
	stats, err := h.svc.Stats(c.Request().Context(), tenant)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"country": tenant, "stats": stats})
}

func (h *Handler) CountryHealth(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return httpError(err)
	}
	if err := h.svc.Ping(c.Request().Context(), tenant); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"country": tenant,
			"error":   err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "country": tenant})
}

// -- Request helpers --

func itemsResponse(tenant string, items []db.Record) map[string]interface{} {
	return map[string]interface{}{"country": tenant, "items": items, "total": len(items)}
}

func (h *Handler) filter(c echo.Context) (Filter, error) {
	data, err := requestData(c)
	if err != nil {
		return Filter{}, err
	}
	return ParseFilter(data)
}

// tenants resolves and authorizes the countries a request addresses.
func (h *Handler) tenants(c echo.Context, f Filter) ([]string, error) {
	tenants := db.ExtractTenants(c, f.Country, h.defaultTenant)
	if len(tenants) == 0 {
		return nil, &InvalidFilterError{Field: "country", Value: f.Country, Reason: "names no country"}
	}
	claims := auth.ClaimsFrom(c)
	for _, tenant := range tenants {
		if !db.ValidTenantID(tenant) {
			return nil, &InvalidFilterError{Field: "country", Value: tenant, Reason: "is not a country code"}
		}
		if claims != nil && !claims.AllowsCountry(tenant) {
			return nil, echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("access to country %s is not granted", tenant))
		}
	}
	return tenants, nil
}

func (h *Handler) singleTenant(c echo.Context, f Filter) (string, error) {
	tenants, err := h.tenants(c, f)
	if err != nil {
		return "", err
	}
	if len(tenants) > 1 {
		return "", &InvalidFilterError{Field: "country", Value: strings.Join(tenants, ","), Reason: "must name a single country"}
	}
	return tenants[0], nil
}

func (h *Handler) tenant(c echo.Context) (string, error) {
	f, err := h.filter(c)
	if err != nil {
		return "", err
	}
	return h.singleTenant(c, f)
}

func pathID(c echo.Context) (int64, error) {
	raw := c.Param("id")
	id, err := parseInt(raw)
	if err != nil || id <= 0 {
		return 0, &InvalidFilterError{Field: "id", Value: raw, Reason: "is not a positive integer"}
	}
	return id, nil
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

// requestData reads the request values from a JSON body, else a form
// body, else the query string.
func requestData(c echo.Context) (map[string]string, error) {
	req := c.Request()
	data := make(map[string]string)
	ctype := req.Header.Get(echo.HeaderContentType)

	switch {
	case strings.HasPrefix(ctype, echo.MIMEApplicationJSON):
		var body map[string]interface{}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, &InvalidFilterError{Field: "body", Value: "", Reason: "is not a JSON object"}
		}
		for k, v := range body {
			if v == nil {
				continue
			}
			s, err := jsonValue(v)
			if err != nil {
				return nil, &InvalidFilterError{Field: k, Value: fmt.Sprint(v), Reason: "is not a scalar"}
			}
			data[k] = s
		}
	case strings.HasPrefix(ctype, echo.MIMEApplicationForm), strings.HasPrefix(ctype, echo.MIMEMultipartForm):
		form, err := c.FormParams()
		if err != nil {
			return nil, &InvalidFilterError{Field: "body", Value: "", Reason: "is not a valid form"}
		}
		for k, vs := range form {
			if len(vs) > 0 {
				data[k] = vs[0]
			}
		}
	}

	if len(data) == 0 {
		for k, vs := range c.QueryParams() {
			if len(vs) > 0 {
				data[k] = vs[0]
			}
		}
	}
	return data, nil
}

func jsonValue(v interface{}) (string, error) {
	if list, ok := v.([]interface{}); ok {
		parts, err := cast.ToStringSliceE(list)
		if err != nil {
			return "", err
		}
		return strings.Join(parts, ","), nil
	}
	if _, ok := v.(map[string]interface{}); ok {
		return "", fmt.Errorf("object value")
	}
	return cast.ToStringE(v)
}

// httpError maps domain and session errors to HTTP responses.
func httpError(err error) error {
	var (
		he          *echo.HTTPError
		invalid     *InvalidFilterError
		cfg         *db.ConfigurationError
		unavailable *db.ConnectionUnavailableError
		qe          *db.QueryExecutionError
		malformed   *MalformedRecordError
	)
	switch {
	case errors.As(err, &he):
		return he
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusBadRequest, invalid.Error())
	case errors.As(err, &cfg):
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid country: %s", cfg.Reason))
	case errors.Is(err, ErrDoctorNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Could not find doctors")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	case errors.As(err, &unavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, fmt.Sprintf("Database for country %s not available", unavailable.Tenant))
	case errors.As(err, &qe):
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query %s failed for country %s", qe.Digest, qe.Tenant))
	case errors.As(err, &malformed):
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected result shape")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
