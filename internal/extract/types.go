package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataType is the scalar kind of a schema field. Nested object and array
// types are not representable.
type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeBoolean DataType = "boolean"
	DataTypeEnum    DataType = "enum"
)

// DataTypes lists the permitted kinds in their canonical order.
func DataTypes() []DataType {
	return []DataType{DataTypeString, DataTypeNumber, DataTypeBoolean, DataTypeEnum}
}

// ParseDataType accepts a data type name case-insensitively ("String", "NUMBER").
func ParseDataType(raw string) (DataType, error) {
	s := DataType(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case DataTypeString, DataTypeNumber, DataTypeBoolean, DataTypeEnum:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unsupported data type %q", ErrInvalidInput, raw)
	}
}

func (d *DataType) UnmarshalText(b []byte) error {
	parsed, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// SchemaField describes one extractable attribute.
type SchemaField struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	DataType    DataType `json:"data_type"`

	// EnumValues are the allowed values of an enum field. Ignored for other kinds.
	EnumValues []string `json:"enum_values,omitempty"`
}

// Schema is the approved record shape. It is replaced wholesale, never edited in place.
type Schema struct {
	Fields              []SchemaField `json:"data_fields"`
	ConfirmationMessage string        `json:"confirmation_message"`
}

// Validate checks that the schema has at least one field, that names are
// non-empty and unique, and that every type is one of the permitted scalars.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: schema has no fields", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("%w: field %d has an empty name", ErrInvalidInput, i)
		}
		if name != f.Name {
			return fmt.Errorf("%w: field name %q has surrounding whitespace", ErrInvalidInput, f.Name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: duplicate field name %q", ErrInvalidInput, name)
		}
		seen[name] = struct{}{}
		if _, err := ParseDataType(string(f.DataType)); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s Schema) Clone() Schema {
	out := Schema{ConfirmationMessage: s.ConfirmationMessage}
	if s.Fields != nil {
		out.Fields = make([]SchemaField, len(s.Fields))
		for i, f := range s.Fields {
			f.EnumValues = append([]string(nil), f.EnumValues...)
			out.Fields[i] = f
		}
	}
	return out
}

// FieldNames returns the field names in schema order.
func (s Schema) FieldNames() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// SchemaFieldResult is a field definition paired with the value extracted for it.
// A nil Value means the attribute was absent or null in the response.
type SchemaFieldResult struct {
	SchemaField
	Value *string `json:"value"`
}

// ExtractionRecord is one extracted row. Its fields follow the schema order.
type ExtractionRecord struct {
	Fields              []SchemaFieldResult `json:"data_fields"`
	ConfirmationMessage string              `json:"confirmation_message"`
}

// Value returns the extracted value for name. ok is false when the field is
// unknown or its value is null.
func (r ExtractionRecord) Value(name string) (value string, ok bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			if f.Value == nil {
				return "", false
			}
			return *f.Value, true
		}
	}
	return "", false
}

// FileState tracks a file through a run.
type FileState string

const (
	FileNotStarted FileState = "NOT_STARTED"
	FileRunning    FileState = "RUNNING"
	FileFinished   FileState = "FINISHED"
	FileFailed     FileState = "FAILED"
)

func (s *FileState) UnmarshalText(b []byte) error {
	switch v := FileState(strings.ToUpper(strings.TrimSpace(string(b)))); v {
	case "":
		*s = FileNotStarted
	case FileNotStarted, FileRunning, FileFinished, FileFailed:
		*s = v
	default:
		return fmt.Errorf("unknown file state %q", string(b))
	}
	return nil
}

// TextFile is a document owned by a project.
type TextFile struct {
	FileName string             `json:"file_name"`
	Contents string             `json:"contents"`
	State    FileState          `json:"state"`
	Results  []ExtractionRecord `json:"results"`
	Error    string             `json:"error,omitempty"`
}

// NewTextFile returns a file that has not been run yet.
func NewTextFile(name, contents string) TextFile {
	return TextFile{FileName: name, Contents: contents, State: FileNotStarted}
}

// Reset returns the file to NOT_STARTED and drops results from earlier runs.
func (f *TextFile) Reset() {
	f.State = FileNotStarted
	f.Results = nil
	f.Error = ""
}

// Start marks the file as in flight and drops results from earlier runs.
func (f *TextFile) Start() {
	f.State = FileRunning
	f.Results = nil
	f.Error = ""
}

// Finish stores the records of a successful extraction.
func (f *TextFile) Finish(records []ExtractionRecord) {
	f.State = FileFinished
	f.Results = records
	f.Error = ""
}

// Fail marks the file as failed. No results are kept.
func (f *TextFile) Fail(msg string) {
	f.State = FileFailed
	f.Results = nil
	f.Error = msg
}

// ProjectState is the lifecycle position of a project.
type ProjectState string

const (
	StateGoalSet          ProjectState = "GOAL_SET"
	StateFileUploaded     ProjectState = "FILE_UPLOADED"
	StateSchemaReturned   ProjectState = "SCHEMA_RETURNED"
	StateSchemaApproved   ProjectState = "SCHEMA_APPROVED"
	StateExampleGenerated ProjectState = "EXAMPLE_GENERATED"
	StateComplete         ProjectState = "COMPLETE"
	StateRunning          ProjectState = "RUNNING"
	StateError            ProjectState = "ERROR"
)

var displayNames = map[ProjectState]string{
	StateGoalSet:          "Goal Set",
	StateFileUploaded:     "File Uploaded",
	StateSchemaReturned:   "Schema Returned",
	StateSchemaApproved:   "Schema Approved",
	StateExampleGenerated: "Example Generated",
	StateComplete:         "Complete",
	StateRunning:          "Running",
	StateError:            "Error",
}

// DisplayName returns the human label, e.g. "Schema Approved".
func (s ProjectState) DisplayName() string {
	if n, ok := displayNames[s]; ok {
		return n
	}
	return string(s)
}

// UnmarshalText accepts both the canonical names and the display labels
// written by older project files.
func (s *ProjectState) UnmarshalText(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if _, ok := displayNames[ProjectState(raw)]; ok {
		*s = ProjectState(raw)
		return nil
	}
	for state, label := range displayNames {
		if strings.EqualFold(label, raw) || strings.EqualFold(string(state), raw) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown project state %q", raw)
}

// Setup is the title/description/prompt triple proposed for a goal.
type Setup struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

// Edit carries the details to change on a project. Nil means unchanged.
type Edit struct {
	Title       *string
	Description *string
	Prompt      *string
}

// Project owns its files and schema. ID is assigned at creation and never changes.
type Project struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Prompt      string       `json:"prompt"`
	Files       []TextFile   `json:"files"`
	Schema      *Schema      `json:"schema"`
	State       ProjectState `json:"state"`

	// Proposal is a schema waiting for approval (SCHEMA_RETURNED only).
	Proposal *Schema `json:"proposal,omitempty"`
	// Example holds the first-file preview (EXAMPLE_GENERATED only).
	Example []ExtractionRecord `json:"example,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProject returns an empty project in GOAL_SET with a fresh ID.
func NewProject() *Project {
	now := time.Now().UTC()
	return &Project{
		ID:        uuid.NewString(),
		State:     StateGoalSet,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// File returns the named file.
func (p *Project) File(name string) (*TextFile, bool) {
	for i := range p.Files {
		if p.Files[i].FileName == name {
			return &p.Files[i], true
		}
	}
	return nil, false
}

// Records returns every extracted record across finished files, in file order.
func (p *Project) Records() []ExtractionRecord {
	var out []ExtractionRecord
	for _, f := range p.Files {
		if f.State != FileFinished {
			continue
		}
		out = append(out, f.Results...)
	}
	return out
}

func (p *Project) touch() {
	p.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy that shares no slices or pointers with p.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	out := *p
	if p.Files != nil {
		out.Files = make([]TextFile, len(p.Files))
		for i, f := range p.Files {
			f.Results = cloneRecords(f.Results)
			out.Files[i] = f
		}
	}
	if p.Schema != nil {
		s := p.Schema.Clone()
		out.Schema = &s
	}
	if p.Proposal != nil {
		s := p.Proposal.Clone()
		out.Proposal = &s
	}
	out.Example = cloneRecords(p.Example)
	return &out
}

func cloneRecords(in []ExtractionRecord) []ExtractionRecord {
	if in == nil {
		return nil
	}
	out := make([]ExtractionRecord, len(in))
	for i, r := range in {
		out[i].ConfirmationMessage = r.ConfirmationMessage
		if r.Fields == nil {
			continue
		}
		out[i].Fields = make([]SchemaFieldResult, len(r.Fields))
		for j, f := range r.Fields {
			if f.EnumValues != nil {
				f.EnumValues = append([]string(nil), f.EnumValues...)
			}
			if f.Value != nil {
				v := *f.Value
				f.Value = &v
			}
			out[i].Fields[j] = f
		}
	}
	return out
}
