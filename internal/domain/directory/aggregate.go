package directory

import (
	"encoding/json"
	"fmt"

	"github.com/medinsights/api/internal/platform/db"
)

// MalformedRecordError means a record lacks the parent key. The query and
// the shape it was declared with disagree, so aggregation stops.
type MalformedRecordError struct {
	Index  int
	Column string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %d: missing %s", e.Index, e.Column)
}

// CollectionSpec describes one child collection carried by a joined query.
// Fields maps output field names to result columns.
type CollectionSpec struct {
	Name   string
	Key    string
	Fields map[string]string
	// Parent names the collection the child nests under. When the record
	// has no parent key the child is attached to the doctor instead.
	Parent string
	// ParentKey is the column holding the parent key. It defaults to the
	// parent collection's Key when the record does not carry it.
	ParentKey string
}

// DoctorShape is the join shape of a doctor query.
type DoctorShape struct {
	Key         string
	Details     []string
	Collections []CollectionSpec
}

func (s DoctorShape) collection(name string) (CollectionSpec, bool) {
	for _, c := range s.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return CollectionSpec{}, false
}

func (s DoctorShape) names() []string {
	names := make([]string, len(s.Collections))
	for i, c := range s.Collections {
		names[i] = c.Name
	}
	return names
}

func (s DoctorShape) nested(parent string) []string {
	var names []string
	for _, c := range s.Collections {
		if c.Parent == parent {
			names = append(names, c.Name)
		}
	}
	return names
}

// node holds ordered, deduplicated child collections.
type node struct {
	collections map[string][]*Entity
	index       map[string]map[string]*Entity
}

func newNode(names []string) node {
	n := node{
		collections: make(map[string][]*Entity, len(names)),
		index:       make(map[string]map[string]*Entity, len(names)),
	}
	for _, name := range names {
		n.collections[name] = []*Entity{}
		n.index[name] = make(map[string]*Entity)
	}
	return n
}

// add appends the child unless its key was already seen under this node.
// A seen key is left untouched.
func (n *node) add(shape DoctorShape, spec CollectionSpec, key any, rec db.Record) {
	k := keyOf(key)
	if _, seen := n.index[spec.Name][k]; seen {
		return
	}
	if n.index[spec.Name] == nil {
		n.index[spec.Name] = make(map[string]*Entity)
	}
	e := &Entity{Fields: make(map[string]any, len(spec.Fields)), node: newNode(shape.nested(spec.Name))}
	for field, col := range spec.Fields {
		v, _ := rec.Lookup(col)
		e.Fields[field] = v
	}
	n.index[spec.Name][k] = e
	n.collections[spec.Name] = append(n.collections[spec.Name], e)
}

func (n *node) find(collection string, key any) *Entity {
	return n.index[collection][keyOf(key)]
}

// Collection returns the children of the named collection in first-seen
// order. It is never nil for a collection of the shape.
func (n *node) Collection(name string) []*Entity {
	return n.collections[name]
}

// Entity is one child record, such as a clinic or a service.
type Entity struct {
	Fields map[string]any
	node
}

// Field returns the value of a field, nil when NULL.
func (e *Entity) Field(name string) any {
	return e.Fields[name]
}

func (e *Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+len(e.collections))
	for k, v := range e.Fields {
		out[k] = v
	}
	for name, children := range e.collections {
		out[name] = children
	}
	return json.Marshal(out)
}

// Doctor is the nested aggregate built from every record sharing one
// doctor_id.
type Doctor struct {
	ID      any
	Details map[string]any
	node
}

func (d *Doctor) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.collections)+2)
	out["doctor_id"] = d.ID
	out["details"] = d.Details
	for name, children := range d.collections {
		out[name] = children
	}
	return json.Marshal(out)
}

// Aggregate folds joined records into doctors in one pass. Details come
// from the first record of each doctor. Children are appended the first
// time their key is seen and skipped afterwards. Doctors are returned in
// first-seen order.
func Aggregate(records []db.Record, shape DoctorShape) ([]*Doctor, error) {
	doctors := make([]*Doctor, 0)
	byID := make(map[string]*Doctor)
	names := shape.names()

	for i, rec := range records {
		id, ok := rec.Lookup(shape.Key)
		if !ok {
			return nil, &MalformedRecordError{Index: i, Column: shape.Key}
		}

		k := keyOf(id)
		doc, seen := byID[k]
		if !seen {
			doc = &Doctor{ID: id, Details: make(map[string]any, len(shape.Details)), node: newNode(names)}
			for _, col := range shape.Details {
				v, _ := rec.Lookup(col)
				doc.Details[col] = v
			}
			byID[k] = doc
			doctors = append(doctors, doc)
		}

		for _, spec := range shape.Collections {
			key, ok := rec.Lookup(spec.Key)
			if !ok {
				continue
			}
			if parent := doc.parentOf(shape, spec, rec); parent != nil {
				parent.add(shape, spec, key, rec)
				continue
			}
			doc.add(shape, spec, key, rec)
		}
	}
	return doctors, nil
}

// parentOf resolves the entity a nested child belongs to, or nil when the
// child attaches to the doctor.
func (d *Doctor) parentOf(shape DoctorShape, spec CollectionSpec, rec db.Record) *Entity {
	if spec.Parent == "" {
		return nil
	}
	parent, ok := shape.collection(spec.Parent)
	if !ok {
		return nil
	}
	col := parent.Key
	if spec.ParentKey != "" && rec.Has(spec.ParentKey) {
		col = spec.ParentKey
	}
	pk, ok := rec.Lookup(col)
	if !ok {
		return nil
	}
	return d.find(spec.Parent, pk)
}

// keyOf renders a key value so that equal database values compare equal
// regardless of their concrete Go type.
func keyOf(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}
