package directory

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/medinsights/api/internal/platform/db"
	"github.com/medinsights/api/internal/platform/middleware"
)

const (
	MaxLimit      = 100
	maxTextLength = 200
)

// InvalidFilterError is returned when a request value has the wrong
// semantic type. It is raised before any database work.
type InvalidFilterError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("Invalid input, %s=%q %s", e.Field, e.Value, e.Reason)
}

// Filter is the typed form of the inbound filter map. Nil pointers and
// empty strings mean the filter was not supplied.
type Filter struct {
	DoctorID       *int64
	City           string
	Profession     string
	SearchTerm     string
	MinRate        *float64
	MaxRate        *float64
	HasSlots       *bool
	AllowQuestions *bool
	Limit          *int
	Offset         *int
	Country        string
}

// ParseFilter validates the raw request values. Absent keys and values that
// are empty after sanitising are treated as no filter.
func ParseFilter(data map[string]string) (Filter, error) {
	var f Filter
	get := func(key string) (string, bool) {
		v, ok := data[key]
		if !ok {
			return "", false
		}
		v = middleware.SanitizeString(v)
		return v, v != ""
	}

	if v, ok := get("id"); ok {
		id, err := parseInt(v)
		if err != nil || id <= 0 {
			return Filter{}, &InvalidFilterError{Field: "id", Value: v, Reason: "is not a positive integer"}
		}
		f.DoctorID = &id
	}

	var err error
	if f.City, err = text(get, "city"); err != nil {
		return Filter{}, err
	}
	if f.Profession, err = text(get, "profession"); err != nil {
		return Filter{}, err
	}
	if f.SearchTerm, err = text(get, "search_term"); err != nil {
		return Filter{}, err
	}

	if f.MinRate, err = rate(get, "min_rate"); err != nil {
		return Filter{}, err
	}
	if f.MaxRate, err = rate(get, "max_rate"); err != nil {
		return Filter{}, err
	}
	if f.MinRate != nil && f.MaxRate != nil && *f.MinRate > *f.MaxRate {
		return Filter{}, &InvalidFilterError{
			Field:  "min_rate",
			Value:  cast.ToString(*f.MinRate),
			Reason: "is greater than max_rate",
		}
	}

	if f.HasSlots, err = flag(get, "has_slots"); err != nil {
		return Filter{}, err
	}
	if f.AllowQuestions, err = flag(get, "allow_questions"); err != nil {
		return Filter{}, err
	}

	if v, ok := get("limit"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxLimit {
			return Filter{}, &InvalidFilterError{Field: "limit", Value: v, Reason: fmt.Sprintf("must be an integer between 1 and %d", MaxLimit)}
		}
		f.Limit = &n
	}
	if v, ok := get("offset"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Filter{}, &InvalidFilterError{Field: "offset", Value: v, Reason: "is not a non-negative integer"}
		}
		f.Offset = &n
	}

	if v, ok := get("country"); ok {
		for _, part := range strings.Split(v, ",") {
			if tid := db.NormalizeTenant(part); tid != "" && !db.ValidTenantID(tid) {
				return Filter{}, &InvalidFilterError{Field: "country", Value: v, Reason: "is not a country code"}
			}
		}
		f.Country = v
	}
	return f, nil
}

func text(get func(string) (string, bool), key string) (string, error) {
	v, ok := get(key)
	if !ok {
		return "", nil
	}
	if len(v) > maxTextLength {
		return "", &InvalidFilterError{Field: key, Value: v[:maxTextLength], Reason: "is too long"}
	}
	return v, nil
}

func rate(get func(string) (string, bool), key string) (*float64, error) {
	v, ok := get(key)
	if !ok {
		return nil, nil
	}
	r, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
		return nil, &InvalidFilterError{Field: key, Value: v, Reason: "is not a float"}
	}
	return &r, nil
}

func flag(get func(string) (string, bool), key string) (*bool, error) {
	v, ok := get(key)
	if !ok {
		return nil, nil
	}
	b, err := cast.ToBoolE(strings.ToLower(v))
	if err != nil {
		return nil, &InvalidFilterError{Field: key, Value: v, Reason: "is not a boolean (0, 1, true, false)"}
	}
	return &b, nil
}

// Applied returns the supplied filters in their typed form, for echoing
// back in responses.
func (f Filter) Applied() map[string]any {
	out := make(map[string]any)
	if f.DoctorID != nil {
		out["id"] = *f.DoctorID
	}
	for k, v := range map[string]string{"city": f.City, "profession": f.Profession, "search_term": f.SearchTerm} {
		if v != "" {
			out[k] = v
		}
	}
	if f.MinRate != nil {
		out["min_rate"] = *f.MinRate
	}
	if f.MaxRate != nil {
		out["max_rate"] = *f.MaxRate
	}
	if f.HasSlots != nil {
		out["has_slots"] = *f.HasSlots
	}
	if f.AllowQuestions != nil {
		out["allow_questions"] = *f.AllowQuestions
	}
	if f.Limit != nil {
		out["limit"] = *f.Limit
	}
	return out
}

// parseInt reads a decimal integer. Go literal prefixes (0x, 0b, leading-zero
// octal) and underscores are rejected, so "010" is 10.
func parseInt(v string) (int64, error) {
	return strconv.ParseInt(v, 10, 64)
}
