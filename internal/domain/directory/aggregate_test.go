package directory

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/medinsights/api/internal/platform/db"
)

func ids(docs []*Doctor) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func keys(entities []*Entity, field string) []any {
	out := make([]any, len(entities))
	for i, e := range entities {
		out[i] = e.Field(field)
	}
	return out
}

func TestAggregate_NestsServicesUnderClinics(t *testing.T) {
	records := []db.Record{
		{"doctor_id": 1, "clinic_id": 10, "service_id": 100},
		{"doctor_id": 1, "clinic_id": 10, "service_id": 101},
		{"doctor_id": 1, "clinic_id": 11, "service_id": 102},
	}

	docs, err := Aggregate(records, ListShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 doctor, got %d", len(docs))
	}

	clinics := docs[0].Collection("clinics")
	if len(clinics) != 2 || clinics[0].Field("clinic_id") != 10 || clinics[1].Field("clinic_id") != 11 {
		t.Fatalf("expected clinics [10 11], got %v", keys(clinics, "clinic_id"))
	}
	if n := len(clinics[0].Collection("services")); n != 2 {
		t.Errorf("expected clinic 10 to have 2 services, got %d", n)
	}
	if n := len(clinics[1].Collection("services")); n != 1 {
		t.Errorf("expected clinic 11 to have 1 service, got %d", n)
	}
	if n := len(docs[0].Collection("services")); n != 0 {
		t.Errorf("expected no doctor-level services, got %d", n)
	}
}

func TestAggregate_PreservesFirstSeenOrder(t *testing.T) {
	records := []db.Record{
		{"doctor_id": 3}, {"doctor_id": 1}, {"doctor_id": 3}, {"doctor_id": 2},
	}

	docs, err := Aggregate(records, ListShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	got := ids(docs)
	want := []any{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}

func TestAggregate_DetailsFromFirstRecord(t *testing.T) {
	records := []db.Record{
		{"doctor_id": 7, "full_name": "Dr. Anna Rossi", "rate": 4.5, "clinic_id": 1},
		{"doctor_id": 7, "full_name": nil, "rate": 1.0, "clinic_id": 2},
		{"doctor_id": 7, "full_name": "Someone Else", "clinic_id": 3},
	}

	docs, err := Aggregate(records, ListShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	d := docs[0]
	if d.Details["full_name"] != "Dr. Anna Rossi" {
		t.Errorf("expected details from the first record, got %v", d.Details["full_name"])
	}
	if d.Details["rate"] != 4.5 {
		t.Errorf("expected rate 4.5, got %v", d.Details["rate"])
	}
	if v, ok := d.Details["gender"]; !ok || v != nil {
		t.Errorf("expected absent detail columns to be carried as null, got %v, %v", v, ok)
	}
	if n := len(d.Collection("clinics")); n != 3 {
		t.Errorf("expected 3 clinics, got %d", n)
	}
}

func TestAggregate_NoDuplicateChildren(t *testing.T) {
	var records []db.Record
	for _, spec := range []string{"Cardiologo", "Internista", "Cardiologo"} {
		for _, svc := range []int64{100, 101} {
			records = append(records, db.Record{
				"doctor_id":           int64(1),
				"clinic_id":           int64(10),
				"clinic_name":         "Studio Rossi",
				"specialization_name": spec,
				"service_id":          svc,
				"enrichment_id":       int64(5),
			})
		}
	}

	docs, err := Aggregate(records, ListShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	d := docs[0]
	if n := len(d.Collection("clinics")); n != 1 {
		t.Errorf("expected exactly 1 clinic, got %d", n)
	}
	if got := keys(d.Collection("specializations"), "name"); len(got) != 2 || got[0] != "Cardiologo" || got[1] != "Internista" {
		t.Errorf("expected specializations [Cardiologo Internista], got %v", got)
	}
	if n := len(d.Collection("clinics")[0].Collection("services")); n != 2 {
		t.Errorf("expected 2 services, got %d", n)
	}
	if n := len(d.Collection("enrichment")); n != 1 {
		t.Errorf("expected 1 enrichment attempt, got %d", n)
	}
}

func TestAggregate_NullChildKeyContributesNothing(t *testing.T) {
	records := []db.Record{
		{"doctor_id": int64(1), "clinic_id": nil, "specialization_name": nil, "service_id": nil},
	}

	docs, err := Aggregate(records, ListShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	for _, name := range []string{"clinics", "specializations", "services", "enrichment"} {
		c := docs[0].Collection(name)
		if c == nil || len(c) != 0 {
			t.Errorf("expected empty %s, got %v", name, c)
		}
	}
}

func TestAggregate_ServiceWithoutClinicAttachesToDoctor(t *testing.T) {
	records := []db.Record{
		{"doctor_id": int64(1), "clinic_id": int64(10), "service_id": int64(100), "service_clinic_id": int64(10)},
		{"doctor_id": int64(1), "clinic_id": int64(10), "service_id": int64(200), "service_clinic_id": nil},
		{"doctor_id": int64(1), "clinic_id": int64(11), "service_id": int64(200), "service_clinic_id": nil},
	}

	docs, err := Aggregate(records, ListShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	d := docs[0]
	if got := keys(d.Collection("services"), "service_id"); len(got) != 1 || got[0] != int64(200) {
		t.Errorf("expected doctor-level services [200], got %v", got)
	}
	clinics := d.Collection("clinics")
	if got := keys(clinics[0].Collection("services"), "service_id"); len(got) != 1 || got[0] != int64(100) {
		t.Errorf("expected clinic 10 services [100], got %v", got)
	}
	if n := len(clinics[1].Collection("services")); n != 0 {
		t.Errorf("expected clinic 11 to have no services, got %d", n)
	}
}

func TestAggregate_CarriesFlagsVerbatim(t *testing.T) {
	records := []db.Record{
		{"doctor_id": int64(1), "clinic_id": int64(10), "clinic_is_default": true,
			"service_id": int64(100), "service_is_default": false, "service_count": int64(7),
			"enrichment_id": int64(3), "enrichment_count": int64(2), "enrichment_status": "done"},
		{"doctor_id": int64(1), "clinic_id": int64(10), "clinic_is_default": false,
			"service_id": int64(100), "service_count": int64(99)},
	}

	docs, err := Aggregate(records, ListShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	clinic := docs[0].Collection("clinics")[0]
	if clinic.Field("is_default") != true {
		t.Errorf("expected clinic is_default true, got %v", clinic.Field("is_default"))
	}
	svc := clinic.Collection("services")[0]
	if svc.Field("count") != int64(7) || svc.Field("is_default") != false {
		t.Errorf("expected service count 7 and is_default false, got %v %v", svc.Field("count"), svc.Field("is_default"))
	}
	enr := docs[0].Collection("enrichment")[0]
	if enr.Field("count") != int64(2) || enr.Field("status") != "done" {
		t.Errorf("unexpected enrichment fields: %v", enr.Fields)
	}
}

func TestAggregate_MalformedRecord(t *testing.T) {
	tests := []struct {
		name    string
		records []db.Record
		index   int
	}{
		{"missing key", []db.Record{{"doctor_id": int64(1)}, {"clinic_id": int64(10)}}, 1},
		{"null key", []db.Record{{"doctor_id": nil, "clinic_id": int64(10)}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := Aggregate(tt.records, ListShape)
			var malformed *MalformedRecordError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedRecordError, got %v", err)
			}
			if malformed.Index != tt.index || malformed.Column != "doctor_id" {
				t.Errorf("unexpected error fields: %+v", malformed)
			}
			if docs != nil {
				t.Error("expected no partial output")
			}
		})
	}
}

func TestAggregate_EmptyInput(t *testing.T) {
	docs, err := Aggregate([]db.Record{}, ListShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if docs == nil || len(docs) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", docs)
	}
}

func TestAggregate_Idempotent(t *testing.T) {
	records := []db.Record{
		{"doctor_id": int64(2), "full_name": "B", "clinic_id": int64(10), "service_id": int64(1), "opinion_id": int64(9)},
		{"doctor_id": int64(1), "full_name": "A", "clinic_id": int64(11), "specialization_name": "Dentista"},
		{"doctor_id": int64(2), "full_name": nil, "clinic_id": int64(12), "service_id": int64(2), "opinion_id": int64(9)},
	}

	first, err := Aggregate(records, DetailShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	second, err := Aggregate(records, DetailShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("expected identical output, got\n%s\n%s", a, b)
	}
}

func TestDoctor_MarshalJSON(t *testing.T) {
	records := []db.Record{
		{"doctor_id": int64(1), "full_name": "Dr. Anna Rossi", "clinic_id": int64(10), "clinic_name": "Studio", "service_id": int64(100)},
	}
	docs, err := Aggregate(records, DetailShape)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	data, err := json.Marshal(docs[0])
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if out["doctor_id"] != float64(1) {
		t.Errorf("expected doctor_id 1, got %v", out["doctor_id"])
	}
	details, _ := out["details"].(map[string]interface{})
	if details["full_name"] != "Dr. Anna Rossi" {
		t.Errorf("unexpected details: %v", details)
	}
	for _, name := range []string{"clinics", "specializations", "services", "opinions", "enrichment"} {
		if _, ok := out[name].([]interface{}); !ok {
			t.Errorf("expected %s to be a JSON array, got %v", name, out[name])
		}
	}
	clinic := out["clinics"].([]interface{})[0].(map[string]interface{})
	if clinic["name"] != "Studio" {
		t.Errorf("expected clinic name Studio, got %v", clinic["name"])
	}
	if services, ok := clinic["services"].([]interface{}); !ok || len(services) != 1 {
		t.Errorf("expected 1 nested service, got %v", clinic["services"])
	}
}
