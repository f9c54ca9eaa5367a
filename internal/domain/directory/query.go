package directory

import (
	"strconv"
	"strings"

	"github.com/medinsights/api/pkg/pagination"
)

const (
	SampleSize           = 10
	TopRatedLimit        = 20
	TopRatedMinRate      = 4.0
	PopularSpecsLimit    = 10
	doctorOrder          = "d.full_name, d.doctor_id"
	topRatedDoctorsOrder = "d.rate DESC NULLS LAST, d.doctor_id"
)

// Mode selects the doctor listing a filter is applied to.
type Mode int

const (
	ModeSearch Mode = iota
	ModeTopRated
	ModeAvailable
)

// Descriptor is a built query. Shape is nil for queries whose records are
// returned flat.
type Descriptor struct {
	Tenant string
	Name   string
	Text   string
	Args   []any
	Shape  *DoctorShape
}

var detailColumns = []string{
	"doctor_id", "salutation", "given_name", "surname", "full_name", "gender",
	"rate", "branding", "has_slots", "allow_questions", "url",
}

var (
	clinicsCollection = CollectionSpec{
		Name: "clinics",
		Key:  "clinic_id",
		Fields: map[string]string{
			"clinic_id":  "clinic_id",
			"name":       "clinic_name",
			"street":     "clinic_street",
			"city":       "clinic_city",
			"postcode":   "clinic_postcode",
			"latitude":   "clinic_latitude",
			"longitude":  "clinic_longitude",
			"is_default": "clinic_is_default",
		},
	}
	specializationsCollection = CollectionSpec{
		Name: "specializations",
		Key:  "specialization_name",
		Fields: map[string]string{
			"name":       "specialization_name",
			"is_default": "specialization_is_default",
		},
	}
	servicesCollection = CollectionSpec{
		Name: "services",
		Key:  "service_id",
		Fields: map[string]string{
			"service_id": "service_id",
			"name":       "service_name",
			"price":      "service_price",
			"is_default": "service_is_default",
			"count":      "service_count",
		},
		Parent:    "clinics",
		ParentKey: "service_clinic_id",
	}
	opinionsCollection = CollectionSpec{
		Name: "opinions",
		Key:  "opinion_id",
		Fields: map[string]string{
			"opinion_id": "opinion_id",
			"rate":       "opinion_rate",
			"comment":    "opinion_comment",
			"author":     "opinion_author",
			"created_at": "opinion_created_at",
		},
	}
	enrichmentCollection = CollectionSpec{
		Name: "enrichment",
		Key:  "enrichment_id",
		Fields: map[string]string{
			"enrichment_id": "enrichment_id",
			"source":        "enrichment_source",
			"status":        "enrichment_status",
			"count":         "enrichment_count",
			"attempted_at":  "enrichment_attempted_at",
		},
	}
)

// ListShape is the join shape of doctor listings.
var ListShape = DoctorShape{
	Key:     "doctor_id",
	Details: detailColumns,
	Collections: []CollectionSpec{
		clinicsCollection,
		specializationsCollection,
		servicesCollection,
		enrichmentCollection,
	},
}

// DetailShape is the join shape of a single doctor lookup, which also
// carries opinions.
var DetailShape = DoctorShape{
	Key:     "doctor_id",
	Details: detailColumns,
	Collections: []CollectionSpec{
		clinicsCollection,
		specializationsCollection,
		servicesCollection,
		opinionsCollection,
		enrichmentCollection,
	},
}

type params struct {
	args []any
}

func (p *params) add(v any) string {
	p.args = append(p.args, v)
	return "$" + strconv.Itoa(len(p.args))
}

// DoctorsQuery builds the doctor query for f. An explicit id takes
// precedence over every other filter. Otherwise city and profession apply
// together, then city, profession or search term alone, then a bounded
// sample.
func DoctorsQuery(tenant string, f Filter, mode Mode) Descriptor {
	var p params
	if f.DoctorID != nil {
		matched := "SELECT d.doctor_id, 1 AS ord FROM doctors.doctors d WHERE d.doctor_id = " + p.add(*f.DoctorID)
		return Descriptor{
			Tenant: tenant,
			Name:   "doctors.by_id",
			Text:   doctorSelect(matched, true),
			Args:   p.args,
			Shape:  &DetailShape,
		}
	}

	var where []string
	var name string
	sample := false
	switch {
	case f.City != "" && f.Profession != "":
		name = "doctors.by_city_profession"
		where = append(where, cityMatch(&p, f.City), professionMatch(&p, f.Profession))
	case f.City != "":
		name = "doctors.by_city"
		where = append(where, cityMatch(&p, f.City))
	case f.Profession != "":
		name = "doctors.by_profession"
		where = append(where, professionMatch(&p, f.Profession))
	case f.SearchTerm != "":
		name = "doctors.by_search_term"
		where = append(where, searchMatch(&p, f.SearchTerm))
	default:
		name = "doctors.sample"
		sample = true
	}

	limit := f.Limit
	order := doctorOrder
	switch mode {
	case ModeTopRated:
		name = "doctors.top_rated"
		if f.MinRate == nil {
			r := TopRatedMinRate
			f.MinRate = &r
		}
		if limit == nil {
			n := TopRatedLimit
			limit = &n
		}
		order = topRatedDoctorsOrder
	case ModeAvailable:
		name = "doctors.available"
		yes := true
		f.HasSlots = &yes
	}
	if limit == nil && sample {
		n := SampleSize
		limit = &n
	}

	if f.MinRate != nil {
		where = append(where, "d.rate >= "+p.add(*f.MinRate))
	}
	if f.MaxRate != nil {
		where = append(where, "d.rate <= "+p.add(*f.MaxRate))
	}
	if f.HasSlots != nil {
		where = append(where, "d.has_slots = "+p.add(*f.HasSlots))
	}
	if f.AllowQuestions != nil {
		where = append(where, "d.allow_questions = "+p.add(*f.AllowQuestions))
	}

	var b strings.Builder
	b.WriteString("SELECT d.doctor_id, row_number() OVER (ORDER BY " + order + ") AS ord FROM doctors.doctors d")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY " + order)
	if limit != nil {
		b.WriteString(" LIMIT " + p.add(*limit))
	}
	if f.Offset != nil && *f.Offset > 0 {
		b.WriteString(" OFFSET " + p.add(*f.Offset))
	}

	return Descriptor{
		Tenant: tenant,
		Name:   name,
		Text:   doctorSelect(b.String(), false),
		Args:   p.args,
		Shape:  &ListShape,
	}
}

func cityMatch(p *params, city string) string {
	return "EXISTS (SELECT 1 FROM doctors.doctor_clinics dc JOIN doctors.clinics c ON c.clinic_id = dc.clinic_id" +
		" WHERE dc.doctor_id = d.doctor_id AND UPPER(c.city) = " + p.add(strings.ToUpper(city)) + ")"
}

func professionMatch(p *params, profession string) string {
	return "EXISTS (SELECT 1 FROM doctors.specializations s" +
		" WHERE s.doctor_id = d.doctor_id AND UPPER(s.specialization_name) = " + p.add(strings.ToUpper(profession)) + ")"
}

func searchMatch(p *params, term string) string {
	ph := p.add("%" + escapeLike(strings.ToUpper(term)) + "%")
	return "(UPPER(d.full_name) LIKE " + ph +
		" OR EXISTS (SELECT 1 FROM doctors.specializations s WHERE s.doctor_id = d.doctor_id AND UPPER(s.specialization_name) LIKE " + ph + ")" +
		" OR EXISTS (SELECT 1 FROM doctors.doctor_clinics dc JOIN doctors.clinics c ON c.clinic_id = dc.clinic_id" +
		" WHERE dc.doctor_id = d.doctor_id AND (UPPER(c.city) LIKE " + ph + " OR UPPER(c.name) LIKE " + ph + ")))"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// doctorSelect joins the child tables onto the matched doctors. The limit
// lives in the matched CTE so it counts doctors, not joined rows.
func doctorSelect(matched string, withOpinions bool) string {
	var b strings.Builder
	b.WriteString("WITH matched AS (" + matched + ")\n")
	b.WriteString(`SELECT
	d.doctor_id, d.salutation, d.given_name, d.surname, d.full_name, d.gender,
	d.rate::float8 AS rate, d.branding, d.has_slots, d.allow_questions, d.url,
	c.clinic_id, c.name AS clinic_name, c.street AS clinic_street, c.city AS clinic_city,
	c.postcode AS clinic_postcode, c.latitude::float8 AS clinic_latitude,
	c.longitude::float8 AS clinic_longitude, dc.is_default AS clinic_is_default,
	sp.specialization_name, sp.is_default AS specialization_is_default,
	sv.service_id, sv.clinic_id AS service_clinic_id, sv.name AS service_name,
	sv.price::float8 AS service_price, sv.is_default AS service_is_default, sv.count AS service_count,
	ea.enrichment_id, ea.source AS enrichment_source, ea.status AS enrichment_status,
	ea.count AS enrichment_count, ea.attempted_at AS enrichment_attempted_at`)
	if withOpinions {
		b.WriteString(`,
	o.opinion_id, o.rate::float8 AS opinion_rate, o.comment AS opinion_comment,
	o.author AS opinion_author, o.created_at AS opinion_created_at`)
	}
	b.WriteString(`
FROM matched m
JOIN doctors.doctors d ON d.doctor_id = m.doctor_id
LEFT JOIN doctors.doctor_clinics dc ON dc.doctor_id = d.doctor_id
LEFT JOIN doctors.clinics c ON c.clinic_id = dc.clinic_id
LEFT JOIN doctors.specializations sp ON sp.doctor_id = d.doctor_id
LEFT JOIN doctors.services sv ON sv.doctor_id = d.doctor_id AND (sv.clinic_id IS NULL OR sv.clinic_id = dc.clinic_id)
LEFT JOIN doctors.enrichment_attempts ea ON ea.doctor_id = d.doctor_id`)
	if withOpinions {
		b.WriteString("\nLEFT JOIN doctors.opinions o ON o.doctor_id = d.doctor_id")
	}
	order := "m.ord, c.clinic_id, sp.specialization_name, sv.service_id, ea.enrichment_id"
	if withOpinions {
		order += ", o.created_at DESC, o.opinion_id"
	}
	b.WriteString("\nORDER BY " + order)
	return b.String()
}

func SpecializationsQuery(tenant string) Descriptor {
	return Descriptor{
		Tenant: tenant,
		Name:   "specializations.all",
		Text: `SELECT specialization_name, COUNT(DISTINCT doctor_id) AS doctors
FROM doctors.specializations
GROUP BY specialization_name
ORDER BY specialization_name`,
	}
}

func PopularSpecializationsQuery(tenant string, limit int) Descriptor {
	var p params
	text := `SELECT specialization_name, COUNT(DISTINCT doctor_id) AS doctors
FROM doctors.specializations
GROUP BY specialization_name
ORDER BY doctors DESC, specialization_name
LIMIT ` + p.add(limit)
	return Descriptor{Tenant: tenant, Name: "specializations.popular", Text: text, Args: p.args}
}

func CitiesQuery(tenant string) Descriptor {
	return Descriptor{
		Tenant: tenant,
		Name:   "cities.all",
		Text: `SELECT c.city, COUNT(DISTINCT dc.doctor_id) AS doctors, COUNT(DISTINCT c.clinic_id) AS clinics
FROM doctors.clinics c
JOIN doctors.doctor_clinics dc ON dc.clinic_id = c.clinic_id
WHERE c.city IS NOT NULL AND c.city <> ''
GROUP BY c.city
ORDER BY c.city`,
	}
}

// OpinionsQuery pages through a doctor's opinions, newest first. Every
// row carries the unpaged total in total_count.
func OpinionsQuery(tenant string, doctorID int64, page pagination.Params) Descriptor {
	var p params
	text := `SELECT opinion_id, doctor_id, rate::float8 AS rate, comment, author, created_at,
	COUNT(*) OVER () AS total_count
FROM doctors.opinions
WHERE doctor_id = ` + p.add(doctorID) + `
ORDER BY created_at DESC, opinion_id DESC
LIMIT ` + p.add(page.Limit) + ` OFFSET ` + p.add(page.Offset)
	return Descriptor{Tenant: tenant, Name: "opinions.by_doctor", Text: text, Args: p.args}
}

func OpinionStatsQuery(tenant string, doctorID int64) Descriptor {
	var p params
	text := `SELECT COUNT(*) AS opinions,
	AVG(rate)::float8 AS average_rate,
	MIN(rate)::float8 AS min_rate,
	MAX(rate)::float8 AS max_rate,
	COUNT(*) FILTER (WHERE rate >= 4) AS positive,
	COUNT(*) FILTER (WHERE rate < 3) AS negative,
	MAX(created_at) AS latest
FROM doctors.opinions
WHERE doctor_id = ` + p.add(doctorID)
	return Descriptor{Tenant: tenant, Name: "opinions.stats", Text: text, Args: p.args}
}

func ClinicTelephonesQuery(tenant string, clinicID int64) Descriptor {
	var p params
	text := `SELECT telephone_id, clinic_id, number
FROM doctors.clinic_telephones
WHERE clinic_id = ` + p.add(clinicID) + `
ORDER BY telephone_id`
	return Descriptor{Tenant: tenant, Name: "clinics.telephones", Text: text, Args: p.args}
}

func ClinicServicesQuery(tenant string, clinicID int64) Descriptor {
	var p params
	text := `SELECT service_id, clinic_id, doctor_id, name, price::float8 AS price, is_default, count
FROM doctors.services
WHERE clinic_id = ` + p.add(clinicID) + `
ORDER BY name, service_id`
	return Descriptor{Tenant: tenant, Name: "clinics.services", Text: text, Args: p.args}
}

func StatsQuery(tenant string) Descriptor {
	return Descriptor{
		Tenant: tenant,
		Name:   "stats",
		Text: `SELECT
	(SELECT COUNT(*) FROM doctors.doctors) AS doctors,
	(SELECT COUNT(*) FROM doctors.clinics) AS clinics,
	(SELECT COUNT(DISTINCT specialization_name) FROM doctors.specializations) AS specializations,
	(SELECT COUNT(*) FROM doctors.services) AS services,
	(SELECT COUNT(*) FROM doctors.opinions) AS opinions,
	(SELECT COUNT(DISTINCT city) FROM doctors.clinics) AS cities,
	(SELECT AVG(rate)::float8 FROM doctors.doctors) AS average_rate,
	(SELECT COUNT(*) FROM doctors.doctors WHERE has_slots) AS doctors_with_slots`,
	}
}
