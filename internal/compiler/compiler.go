package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
)

const (
	setupContractName    = "project_setup"
	proposalContractName = "schema_proposal"
)

// Compiler translates between approved schemas and structured completion calls.
type Compiler struct {
	caller completion.Caller
}

func New(caller completion.Caller) *Compiler {
	return &Compiler{caller: caller}
}

var setupContract = completion.Record(
	completion.Prop("title", completion.String("Short project title")),
	completion.Prop("description", completion.String("One sentence describing the extraction")),
	completion.Prop("prompt", completion.String("Instruction for the extractor")),
)

// ProposeSetup turns a free-text goal into a title, description and prompt.
func (c *Compiler) ProposeSetup(ctx context.Context, goal string) (extract.Setup, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return extract.Setup{}, fmt.Errorf("%w: goal is required", extract.ErrInvalidInput)
	}
	raw, err := c.caller.Call(ctx, completion.Request{
		Name:     setupContractName,
		System:   setupSystemPrompt,
		User:     goal,
		Contract: setupContract,
	})
	if err != nil {
		return extract.Setup{}, stepErr(err, extract.ErrSchemaGenerationRefused, extract.ErrSchemaGenerationFailed)
	}
	var out extract.Setup
	if err := json.Unmarshal(raw, &out); err != nil {
		return extract.Setup{}, &extract.StepError{Kind: extract.ErrSchemaGenerationFailed, Err: fmt.Errorf("parse setup: %w", err)}
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Description = strings.TrimSpace(out.Description)
	out.Prompt = strings.TrimSpace(out.Prompt)
	if out.Title == "" {
		return extract.Setup{}, &extract.StepError{Kind: extract.ErrSchemaGenerationFailed, Err: errors.New("setup has no title")}
	}
	return out, nil
}

var proposalContract = func() *completion.Shape {
	kinds := make([]string, 0, 4)
	for _, k := range extract.DataTypes() {
		kinds = append(kinds, string(k))
	}
	field := completion.Record(
		completion.Prop("name", completion.String("snake_case field name")),
		completion.Prop("description", completion.String("What the field holds")),
		completion.Prop("data_type", completion.Enum("Scalar kind", kinds...)),
		completion.Prop("enum_values", completion.Array(completion.String("Allowed value"))),
	)
	return completion.Record(
		completion.Prop(RecordsKey, completion.Array(field)),
		completion.Prop("confirmation_message", completion.String("Summary of the proposed schema")),
	)
}()

type proposedField struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	DataType    string   `json:"data_type"`
	EnumValues  []string `json:"enum_values"`
}

type proposal struct {
	Fields              []proposedField `json:"data_fields"`
	ConfirmationMessage string          `json:"confirmation_message"`
}

// Propose asks the model for a schema that fits goalPrompt, using sample as a
// representative document. The result is validated but never applied; the
// caller stores it as a pending proposal.
func (c *Compiler) Propose(ctx context.Context, sample, goalPrompt string) (extract.Schema, error) {
	raw, err := c.caller.Call(ctx, completion.Request{
		Name:     proposalContractName,
		System:   schemaSystemPrompt,
		User:     schemaUserPrompt(goalPrompt, sample),
		Contract: proposalContract,
	})
	if err != nil {
		return extract.Schema{}, stepErr(err, extract.ErrSchemaGenerationRefused, extract.ErrSchemaGenerationFailed)
	}

	var p proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return extract.Schema{}, &extract.StepError{Kind: extract.ErrSchemaGenerationFailed, Err: fmt.Errorf("parse proposal: %w", err)}
	}
	schema := extract.Schema{ConfirmationMessage: strings.TrimSpace(p.ConfirmationMessage)}
	for _, f := range p.Fields {
		dt, err := extract.ParseDataType(f.DataType)
		if err != nil {
			return extract.Schema{}, &extract.StepError{Kind: extract.ErrSchemaGenerationFailed, Err: fmt.Errorf("field %q: %w", f.Name, err)}
		}
		field := extract.SchemaField{
			Name:        strings.TrimSpace(f.Name),
			Description: strings.TrimSpace(f.Description),
			DataType:    dt,
		}
		if dt == extract.DataTypeEnum {
			field.EnumValues = nonEmpty(f.EnumValues)
		}
		schema.Fields = append(schema.Fields, field)
	}
	if err := schema.Validate(); err != nil {
		return extract.Schema{}, &extract.StepError{Kind: extract.ErrSchemaGenerationFailed, Err: err}
	}
	return schema, nil
}

// Run extracts records from one document under the compiled contract.
func (c *Compiler) Run(ctx context.Context, prompt, contents string, schema extract.Schema) ([]extract.ExtractionRecord, error) {
	if err := schema.Validate(); err != nil {
		return nil, &extract.StepError{Kind: extract.ErrExtractionFailed, Err: err}
	}
	raw, err := c.caller.Call(ctx, completion.Request{
		Name:     ContractName,
		System:   extractSystemPrompt(prompt, schema),
		User:     extractUserPrompt(contents),
		Contract: CompileContract(schema),
	})
	if err != nil {
		return nil, stepErr(err, extract.ErrExtractionRefused, extract.ErrExtractionFailed)
	}
	records, err := DecodeJSON(raw, schema)
	if err != nil {
		return nil, &extract.StepError{Kind: extract.ErrExtractionFailed, Err: err}
	}
	return records, nil
}

func stepErr(err, refused, failed error) error {
	var re *completion.RefusalError
	if errors.As(err, &re) {
		return &extract.StepError{Kind: refused, Err: err}
	}
	return &extract.StepError{Kind: failed, Err: err}
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
