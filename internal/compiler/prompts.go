package compiler

import (
	"strings"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
)

// Keep prompts free of secrets. Document contents are sent only in the user turn.

const setupSystemPrompt = `You help users describe a data extraction task over text files.
Given a short goal, return a Title, a one-sentence Description and a Prompt that tells an extractor exactly what to pull out of each document.

Example goal: "Meeting action items"
Title: Extract meeting action items
Description: Action items that need to be completed before the next meeting.
Prompt: Extract every action item, who owns it and when it is due.`

const schemaSystemPrompt = `You design flat record schemas for structured data extraction from text.
Each field has a name, a description and a data_type.
data_type must be one of: string, number, boolean, enum. Never use object or array types.
For enum fields list the allowed values in enum_values; for every other field return an empty enum_values list.
Field names are short snake_case identifiers and must be unique.
Finish with a confirmation_message that summarizes the schema for the user.`

func schemaUserPrompt(goalPrompt, sample string) string {
	var sb strings.Builder
	sb.WriteString("Create a schema for extracting the following information: ")
	sb.WriteString(strings.TrimSpace(goalPrompt))
	sb.WriteString("\n\nHere is an example of the input:\n\n")
	sb.WriteString(sample)
	return sb.String()
}

func extractSystemPrompt(goalPrompt string, schema extract.Schema) string {
	var sb strings.Builder
	sb.WriteString("You extract structured data from text. Your goal is: ")
	sb.WriteString(strings.TrimSpace(goalPrompt))
	sb.WriteString("\nReturn every matching item as one entry of data_fields. ")
	sb.WriteString("Use null when a value is not present in the text. Do not invent values.\n")
	sb.WriteString("Fields:\n")
	for _, f := range schema.Fields {
		sb.WriteString("- ")
		sb.WriteString(f.Name)
		sb.WriteString(" (")
		sb.WriteString(string(f.DataType))
		sb.WriteString(")")
		if d := strings.TrimSpace(f.Description); d != "" {
			sb.WriteString(": ")
			sb.WriteString(d)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func extractUserPrompt(contents string) string {
	return "Extract from this input:\n\n" + contents
}
