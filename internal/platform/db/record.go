package db

import "github.com/jackc/pgx/v5"

// Record is one row of a result set keyed by column name.
type Record map[string]any

// Lookup returns the value of col and true when the column is present and
// not NULL. It is the only accessor the aggregation code uses, so a missing
// column and a NULL column read the same way.
func (r Record) Lookup(col string) (any, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Has reports whether col is part of the record, NULL or not.
func (r Record) Has(col string) bool {
	_, ok := r[col]
	return ok
}

// collectRecords drains rows into records. The result is never nil. When a
// column name repeats in the select list the first occurrence wins.
func collectRecords(rows pgx.Rows) ([]Record, error) {
	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}

	records := make([]Record, 0)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			if i >= len(vals) {
				break
			}
			if _, dup := rec[col]; dup {
				continue
			}
			rec[col] = vals[i]
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
