package completion_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
)

func TestRecordIsClosedAndRequiresAll(t *testing.T) {
	s := completion.Record(
		completion.Prop("a", completion.String("first")),
		completion.Prop("b", completion.Number("")),
	)
	got := s.JSONSchema()
	want := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "string", "description": "first"},
			"b": map[string]any{"type": "number"},
		},
		"required":             []string{"a", "b"},
		"additionalProperties": false,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("JSONSchema mismatch:\n got=%#v\nwant=%#v", got, want)
	}
}

func TestEnumWithoutValuesIsOpenString(t *testing.T) {
	if s := completion.Enum("x"); s.Kind != completion.KindString || s.Enum != nil {
		t.Fatalf("unexpected shape: %#v", s)
	}
	s := completion.Enum("x", "low", "high")
	if got := s.JSONSchema()["enum"]; !reflect.DeepEqual(got, []string{"low", "high"}) {
		t.Fatalf("enum=%#v", got)
	}
}

func TestNullableShapes(t *testing.T) {
	got := completion.Number("total").OrNull().JSONSchema()
	if !reflect.DeepEqual(got["type"], []string{"number", "null"}) {
		t.Fatalf("type=%#v", got["type"])
	}
	enum := completion.Enum("", "low", "high").OrNull().JSONSchema()
	if !reflect.DeepEqual(enum["enum"], []any{"low", "high", nil}) {
		t.Fatalf("enum=%#v", enum["enum"])
	}
}

func TestSyntheticFollowsContract(t *testing.T) {
	contract := completion.Record(
		completion.Prop("items", completion.Array(completion.Record(
			completion.Prop("name", completion.String("")),
			completion.Prop("kind", completion.Enum("", "string", "number")),
			completion.Prop("count", completion.Number("")),
			completion.Prop("ok", completion.Boolean("")),
		))),
	)

	raw, err := completion.Synthetic{}.Call(context.Background(), completion.Request{Name: "t", Contract: contract})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		Items []struct {
			Name  string  `json:"name"`
			Kind  string  `json:"kind"`
			Count float64 `json:"count"`
			OK    bool    `json:"ok"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, raw)
	}
	if len(got.Items) != 1 || got.Items[0].Name != "name" || got.Items[0].Kind != "string" || got.Items[0].Count != 0 || got.Items[0].OK {
		t.Fatalf("unexpected synthetic output: %s", raw)
	}
}

func TestSyntheticRequiresContract(t *testing.T) {
	if _, err := (completion.Synthetic{}).Call(context.Background(), completion.Request{Name: "x"}); err == nil {
		t.Fatalf("expected error without contract")
	}
}

func TestRefusalErrorMessage(t *testing.T) {
	err := error(&completion.RefusalError{Reason: "SAFETY"})
	var re *completion.RefusalError
	if !errors.As(err, &re) || re.Error() != "model refused the request: SAFETY" {
		t.Fatalf("unexpected refusal error: %v", err)
	}
}
