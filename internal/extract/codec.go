package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EncodeProjects serializes a project list as a JSON array.
func EncodeProjects(projects []*Project) ([]byte, error) {
	if projects == nil {
		projects = []*Project{}
	}
	return json.MarshalIndent(projects, "", "  ")
}

// DecodeProjects parses a JSON array of projects. Records written before
// projects had IDs get one assigned here.
func DecodeProjects(b []byte) ([]*Project, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var out []*Project
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse projects json: %w", err)
	}
	for i, p := range out {
		if p == nil {
			return nil, fmt.Errorf("parse projects json: entry %d is null", i)
		}
		p.normalize()
	}
	return out, nil
}

// EncodeProject serializes one project record.
func EncodeProject(p *Project) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeProject parses a single project record.
func DecodeProject(b []byte) (*Project, error) {
	var p Project
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse project json: %w", err)
	}
	p.normalize()
	return &p, nil
}

func (p *Project) normalize() {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.State == "" {
		p.State = StateGoalSet
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	for i := range p.Files {
		if p.Files[i].State == "" {
			p.Files[i].State = FileNotStarted
		}
	}
}
