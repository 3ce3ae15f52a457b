package extract_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
)

func strPtr(s string) *string { return &s }

func sampleProject(t *testing.T) *extract.Project {
	t.Helper()

	p := extract.NewProject()
	if err := p.SetGoal(extract.Setup{Title: "Invoices", Description: "Invoice totals", Prompt: "extract invoice totals"}); err != nil {
		t.Fatalf("set goal: %v", err)
	}
	for _, f := range []extract.TextFile{
		extract.NewTextFile("a.txt", "Total: $42.50"),
		extract.NewTextFile("b.txt", "Total: $7"),
	} {
		if err := p.AttachFile(f); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	schema := extract.Schema{
		Fields: []extract.SchemaField{
			{Name: "total", Description: "Invoice total", DataType: extract.DataTypeNumber},
			{Name: "currency", Description: "Currency", DataType: extract.DataTypeEnum, EnumValues: []string{"USD", "EUR"}},
		},
		ConfirmationMessage: "Extracting totals",
	}
	if err := p.ProposeSchema(schema); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := p.ApproveSchema(); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := p.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	p.Files[0].Finish([]extract.ExtractionRecord{{
		Fields: []extract.SchemaFieldResult{
			{SchemaField: schema.Fields[0], Value: strPtr("42.50")},
			{SchemaField: schema.Fields[1], Value: nil},
		},
		ConfirmationMessage: schema.ConfirmationMessage,
	}})
	return p
}

func TestProjectsRoundTrip(t *testing.T) {
	p := sampleProject(t)

	b, err := extract.EncodeProjects([]*extract.Project{p})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := extract.DecodeProjects(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 project, got %d", len(got))
	}
	q := got[0]

	if q.ID != p.ID || q.Title != p.Title || q.Description != p.Description || q.Prompt != p.Prompt {
		t.Fatalf("identity mismatch:\n got=%#v\nwant=%#v", q, p)
	}
	if q.State != p.State {
		t.Fatalf("state=%s want=%s", q.State, p.State)
	}
	if !reflect.DeepEqual(q.Schema, p.Schema) {
		t.Fatalf("schema mismatch:\n got=%#v\nwant=%#v", q.Schema, p.Schema)
	}
	if len(q.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(q.Files))
	}
	for i := range p.Files {
		if q.Files[i].FileName != p.Files[i].FileName || q.Files[i].Contents != p.Files[i].Contents || q.Files[i].State != p.Files[i].State {
			t.Fatalf("file[%d] mismatch: got=%#v want=%#v", i, q.Files[i], p.Files[i])
		}
	}
	if v, ok := q.Files[0].Results[0].Value("total"); !ok || v != "42.50" {
		t.Fatalf("extracted value lost in round trip: %q %v", v, ok)
	}
	if _, ok := q.Files[0].Results[0].Value("currency"); ok {
		t.Fatalf("null value must stay null")
	}
}

func TestSchemaJSONOmitsValues(t *testing.T) {
	p := sampleProject(t)
	b, err := json.Marshal(p.Schema)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), `"value"`) {
		t.Fatalf("schema definitions must not carry values: %s", b)
	}
	if !strings.Contains(string(b), `"data_fields"`) || !strings.Contains(string(b), `"confirmation_message"`) {
		t.Fatalf("unexpected schema json: %s", b)
	}
}

func TestDecodeLegacyRecord(t *testing.T) {
	legacy := `[{
		"title": "Meeting notes",
		"description": "Action items",
		"prompt": "Extract action items",
		"files": [{"file_name": "m.txt", "contents": "Bob: send deck", "results": []}],
		"schema": {"data_fields": [{"name": "owner", "description": "Who", "data_type": "String"}], "confirmation_message": "ok"},
		"state": "Schema Approved"
	}]`

	got, err := extract.DecodeProjects([]byte(legacy))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := got[0]
	if p.ID == "" {
		t.Fatalf("expected an ID to be assigned")
	}
	if p.State != extract.StateSchemaApproved {
		t.Fatalf("state=%s want=%s", p.State, extract.StateSchemaApproved)
	}
	if p.Files[0].State != extract.FileNotStarted {
		t.Fatalf("file state=%s want=%s", p.Files[0].State, extract.FileNotStarted)
	}
	if p.Schema.Fields[0].DataType != extract.DataTypeString {
		t.Fatalf("data type not normalized: %q", p.Schema.Fields[0].DataType)
	}
}

func TestDecodeRejectsUnknownDataType(t *testing.T) {
	raw := `[{"title":"x","state":"GOAL_SET","schema":{"data_fields":[{"name":"a","data_type":"object"}]}}]`
	if _, err := extract.DecodeProjects([]byte(raw)); err == nil {
		t.Fatalf("expected error for nested data type")
	}
}

func TestDecodeEmpty(t *testing.T) {
	got, err := extract.DecodeProjects([]byte("  \n"))
	if err != nil || got != nil {
		t.Fatalf("expected empty decode, got %v %v", got, err)
	}
}

func TestEncodeProjectSingle(t *testing.T) {
	p := sampleProject(t)
	b, err := extract.EncodeProject(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	q, err := extract.DecodeProject(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.ID != p.ID || q.State != p.State || len(q.Files) != len(p.Files) {
		t.Fatalf("mismatch: got=%#v want=%#v", q, p)
	}
}

func TestCloneSharesNothing(t *testing.T) {
	p := sampleProject(t)
	c := p.Clone()
	if !reflect.DeepEqual(p, c) {
		t.Fatalf("clone differs:\n got=%#v\nwant=%#v", c, p)
	}

	*c.Files[0].Results[0].Fields[0].Value = "0"
	c.Files[1].Contents = "changed"
	c.Schema.Fields[1].EnumValues[0] = "GBP"

	if v, _ := p.Files[0].Results[0].Value("total"); v != "42.50" {
		t.Fatalf("value pointer shared with clone: %q", v)
	}
	if p.Files[1].Contents != "Total: $7" {
		t.Fatalf("files shared with clone")
	}
	if p.Schema.Fields[1].EnumValues[0] != "USD" {
		t.Fatalf("enum values shared with clone")
	}
}

func TestResetDropsResults(t *testing.T) {
	p := sampleProject(t)
	f := &p.Files[0]
	f.Reset()
	if f.State != extract.FileNotStarted || f.Results != nil || f.Error != "" {
		t.Fatalf("reset left %#v", f)
	}
}
