package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
)

// ContractName names the extraction contract sent with every run call.
const ContractName = "schema_response"

// RecordsKey is the array property that holds extracted records.
const RecordsKey = "data_fields"

// CompileContract turns an approved schema into the strict output contract:
// a closed object with a single data_fields array whose items are closed
// records with one required property per field, in schema order. Field values
// are nullable so an absent value can be reported as null.
//
// It depends only on the schema, so equal schemas yield equal contracts.
func CompileContract(schema extract.Schema) *completion.Shape {
	props := make([]completion.Property, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		props = append(props, completion.Prop(f.Name, fieldShape(f).OrNull()))
	}
	return completion.Record(
		completion.Prop(RecordsKey, completion.Array(completion.Record(props...))),
	)
}

func fieldShape(f extract.SchemaField) *completion.Shape {
	switch f.DataType {
	case extract.DataTypeNumber:
		return completion.Number(f.Description)
	case extract.DataTypeBoolean:
		return completion.Boolean(f.Description)
	case extract.DataTypeEnum:
		return completion.Enum(f.Description, f.EnumValues...)
	default:
		return completion.String(f.Description)
	}
}

// Decode maps loosely typed items onto the schema. Fields are emitted in
// schema order; a missing or null attribute yields a nil value rather than an
// error. One record is produced per item, in item order.
func Decode(items []map[string]any, schema extract.Schema) []extract.ExtractionRecord {
	out := make([]extract.ExtractionRecord, 0, len(items))
	for _, item := range items {
		rec := extract.ExtractionRecord{
			Fields:              make([]extract.SchemaFieldResult, 0, len(schema.Fields)),
			ConfirmationMessage: schema.ConfirmationMessage,
		}
		for _, f := range schema.Fields {
			def := f
			def.EnumValues = append([]string(nil), f.EnumValues...)
			rec.Fields = append(rec.Fields, extract.SchemaFieldResult{
				SchemaField: def,
				Value:       normalize(item[f.Name]),
			})
		}
		out = append(out, rec)
	}
	return out
}

// DecodeJSON parses a {"data_fields": [...]} document and decodes it against
// schema. Numbers keep their literal form ("42.50" stays "42.50").
func DecodeJSON(b []byte, schema extract.Schema) ([]extract.ExtractionRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var doc map[string]json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	raw, ok := doc[RecordsKey]
	if !ok {
		return nil, fmt.Errorf("parse response: missing %q", RecordsKey)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse response: %s is not an array: %w", RecordsKey, err)
	}
	items := make([]map[string]any, 0, len(entries))
	for i, e := range entries {
		d := json.NewDecoder(bytes.NewReader(e))
		d.UseNumber()
		var item map[string]any
		if err := d.Decode(&item); err != nil {
			return nil, fmt.Errorf("parse response: item %d: %w", i, err)
		}
		if item == nil {
			return nil, fmt.Errorf("parse response: item %d is null", i)
		}
		items = append(items, item)
	}
	return Decode(items, schema), nil
}

func normalize(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = x
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case bool:
		s = strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			s = fmt.Sprint(x)
		} else {
			s = string(b)
		}
	}
	return &s
}
