// Package export writes extracted records in flat formats.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
)

// Header returns the CSV header for schema: file_name, record, then one
// column per field in schema order.
func Header(schema extract.Schema) []string {
	return append([]string{"file_name", "record"}, schema.FieldNames()...)
}

// WriteCSV writes one row per record of every finished file. Null values are
// written as empty cells.
func WriteCSV(w io.Writer, p *extract.Project) error {
	if p.Schema == nil {
		return fmt.Errorf("%w: project %q", extract.ErrNoSchemaApproved, p.Title)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(*p.Schema)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	names := p.Schema.FieldNames()
	for _, f := range p.Files {
		if f.State != extract.FileFinished {
			continue
		}
		for i, rec := range f.Results {
			row := make([]string, 0, len(names)+2)
			row = append(row, f.FileName, fmt.Sprint(i+1))
			for _, n := range names {
				v, _ := rec.Value(n)
				row = append(row, v)
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// Line is one JSONL object. Values keeps nulls as JSON null.
type Line struct {
	FileName string             `json:"file_name"`
	Record   int                `json:"record"`
	Values   map[string]*string `json:"values"`
}

// WriteJSONL writes one JSON object per record of every finished file.
func WriteJSONL(w io.Writer, p *extract.Project) error {
	if p.Schema == nil {
		return fmt.Errorf("%w: project %q", extract.ErrNoSchemaApproved, p.Title)
	}
	enc := json.NewEncoder(w)
	for _, f := range p.Files {
		if f.State != extract.FileFinished {
			continue
		}
		for i, rec := range f.Results {
			vals := make(map[string]*string, len(rec.Fields))
			for _, field := range rec.Fields {
				vals[field.Name] = field.Value
			}
			if err := enc.Encode(Line{FileName: f.FileName, Record: i + 1, Values: vals}); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
		}
	}
	return nil
}
