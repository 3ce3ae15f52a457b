package extract

import (
	"fmt"
	"strings"
)

// Op names a lifecycle operation.
type Op string

const (
	OpSetGoal         Op = "setGoal"
	OpAttachFile      Op = "attachFile"
	OpRequestSchema   Op = "requestSchema"
	OpApproveSchema   Op = "approveSchema"
	OpRejectSchema    Op = "rejectSchema"
	OpGenerateExample Op = "generateExample"
	OpComplete        Op = "complete"
	OpRun             Op = "run"
	OpBack            Op = "back"
	OpEdit            Op = "edit"
)

// preconditions maps each operation to the states it may be called from.
// ERROR is a valid start for run: a failed run is recovered by running again.
var preconditions = map[Op][]ProjectState{
	OpSetGoal:         {StateGoalSet},
	OpAttachFile:      {StateGoalSet, StateFileUploaded},
	OpRequestSchema:   {StateFileUploaded},
	OpApproveSchema:   {StateSchemaReturned},
	OpRejectSchema:    {StateSchemaReturned},
	OpGenerateExample: {StateSchemaApproved},
	OpComplete:        {StateExampleGenerated, StateSchemaApproved},
	OpRun:             {StateComplete, StateSchemaApproved, StateError},
	OpBack:            {StateFileUploaded, StateSchemaReturned, StateExampleGenerated},
	OpEdit: {StateGoalSet, StateFileUploaded, StateSchemaReturned, StateSchemaApproved,
		StateExampleGenerated, StateComplete, StateError},
}

// Require returns an *InvalidTransitionError unless op may run from the
// project's current state. It never mutates the project.
func (p *Project) Require(op Op) error {
	allowed, ok := preconditions[op]
	if !ok {
		return fmt.Errorf("unknown operation %q", op)
	}
	for _, s := range allowed {
		if p.State == s {
			return nil
		}
	}
	return &InvalidTransitionError{Op: op, Current: p.State, Required: append([]ProjectState(nil), allowed...)}
}

// SetGoal fills title, description and prompt. The project stays in GOAL_SET
// until a file is attached.
func (p *Project) SetGoal(s Setup) error {
	if err := p.Require(OpSetGoal); err != nil {
		return err
	}
	title := strings.TrimSpace(s.Title)
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	p.Title = title
	p.Description = strings.TrimSpace(s.Description)
	p.Prompt = strings.TrimSpace(s.Prompt)
	p.touch()
	return nil
}

// Edit changes the project details. Nil fields are left as they are. The
// state does not change: a new prompt applies from the next model call.
func (p *Project) Edit(e Edit) error {
	if err := p.Require(OpEdit); err != nil {
		return err
	}
	title := p.Title
	if e.Title != nil {
		title = strings.TrimSpace(*e.Title)
		if title == "" {
			return fmt.Errorf("%w: title is required", ErrInvalidInput)
		}
	}
	p.Title = title
	if e.Description != nil {
		p.Description = strings.TrimSpace(*e.Description)
	}
	if e.Prompt != nil {
		p.Prompt = strings.TrimSpace(*e.Prompt)
	}
	p.touch()
	return nil
}

// AttachFile appends a file. File names are unique within a project.
func (p *Project) AttachFile(f TextFile) error {
	if err := p.Require(OpAttachFile); err != nil {
		return err
	}
	name := strings.TrimSpace(f.FileName)
	if name == "" {
		return fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	if _, exists := p.File(name); exists {
		return fmt.Errorf("%w: file %q already attached", ErrInvalidInput, name)
	}
	p.Files = append(p.Files, NewTextFile(name, f.Contents))
	p.State = StateFileUploaded
	p.touch()
	return nil
}

// ProposeSchema stores a schema proposal for review. The proposal is never
// applied until ApproveSchema.
func (p *Project) ProposeSchema(s Schema) error {
	if err := p.Require(OpRequestSchema); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	proposal := s.Clone()
	p.Proposal = &proposal
	p.State = StateSchemaReturned
	p.touch()
	return nil
}

// ApproveSchema commits the pending proposal.
func (p *Project) ApproveSchema() error {
	if err := p.Require(OpApproveSchema); err != nil {
		return err
	}
	if p.Proposal == nil {
		return fmt.Errorf("%w: no pending schema proposal", ErrInvalidInput)
	}
	p.Schema = p.Proposal
	p.Proposal = nil
	p.Example = nil
	p.State = StateSchemaApproved
	p.touch()
	return nil
}

// RejectSchema discards the pending proposal so a new one can be requested.
func (p *Project) RejectSchema() error {
	if err := p.Require(OpRejectSchema); err != nil {
		return err
	}
	p.Proposal = nil
	p.State = StateFileUploaded
	p.touch()
	return nil
}

// RecordExample stores the preview extracted from the first file.
func (p *Project) RecordExample(records []ExtractionRecord) error {
	if err := p.Require(OpGenerateExample); err != nil {
		return err
	}
	if p.Schema == nil {
		return ErrNoSchemaApproved
	}
	p.Example = records
	p.State = StateExampleGenerated
	p.touch()
	return nil
}

// Complete finishes authoring. The example preview is discarded.
func (p *Project) Complete() error {
	if err := p.Require(OpComplete); err != nil {
		return err
	}
	p.Example = nil
	p.State = StateComplete
	p.touch()
	return nil
}

// Back steps to the previous wizard stage, discarding whatever the current
// stage cached. Leaving FILE_UPLOADED is only possible before any file is kept.
func (p *Project) Back() error {
	if err := p.Require(OpBack); err != nil {
		return err
	}
	switch p.State {
	case StateFileUploaded:
		if len(p.Files) > 0 {
			return fmt.Errorf("%w: cannot return to goal with %d attached files", ErrInvalidInput, len(p.Files))
		}
		p.State = StateGoalSet
	case StateSchemaReturned:
		p.Proposal = nil
		p.State = StateFileUploaded
	case StateExampleGenerated:
		p.Example = nil
		p.State = StateSchemaApproved
	}
	p.touch()
	return nil
}

// BeginRun moves the project to RUNNING.
func (p *Project) BeginRun() error {
	if err := p.Require(OpRun); err != nil {
		return err
	}
	if p.Schema == nil {
		return ErrNoSchemaApproved
	}
	p.State = StateRunning
	p.LastError = ""
	p.touch()
	return nil
}

// FinishRun marks a fully extracted project COMPLETE.
func (p *Project) FinishRun() error {
	if p.State != StateRunning {
		return &InvalidTransitionError{Op: OpRun, Current: p.State, Required: []ProjectState{StateRunning}}
	}
	p.State = StateComplete
	p.touch()
	return nil
}

// FailRun marks the project ERROR with the message of the failure.
func (p *Project) FailRun(msg string) error {
	if p.State != StateRunning {
		return &InvalidTransitionError{Op: OpRun, Current: p.State, Required: []ProjectState{StateRunning}}
	}
	p.State = StateError
	p.LastError = msg
	p.touch()
	return nil
}

// InterruptedRunMessage is recorded on projects found RUNNING at load time.
const InterruptedRunMessage = "run interrupted before it finished"

// RecoverInterrupted moves a project left RUNNING by a dead process to ERROR
// so that run can be invoked again. Files caught mid-call become FAILED;
// finished files keep their results. It reports whether p changed.
func (p *Project) RecoverInterrupted() bool {
	if p.State != StateRunning {
		return false
	}
	for i := range p.Files {
		if p.Files[i].State == FileRunning {
			p.Files[i].Fail(InterruptedRunMessage)
		}
	}
	p.State = StateError
	p.LastError = InterruptedRunMessage
	p.touch()
	return true
}
