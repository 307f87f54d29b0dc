package pipeline

import "time"

// StageRecord holds the inputs and outputs of one stage. Generated stages
// store a MergedResult; pass-through stages (script input, final) store raw
// content. The map of records replaces the original system's untyped JSON
// blobs so one stage's consumer cannot misread another stage's shape.
type StageRecord struct {
	Stage       string        `json:"stage"`
	Content     string        `json:"content,omitempty"`
	Output      *MergedResult `json:"output,omitempty"`
	Feedback    []string      `json:"feedback,omitempty"`
	Revisions   int           `json:"revisions,omitempty"`
	Approved    bool          `json:"approved,omitempty"`
	ApprovalID  string        `json:"approval_id,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
}

// Text returns the stage's effective output text.
func (r *StageRecord) Text() string {
	if r.Output != nil {
		return r.Output.Content
	}
	return r.Content
}

// Complete reports whether the stage produced non-empty output.
func (r *StageRecord) Complete() bool {
	return r != nil && r.Text() != ""
}

// Copy returns a copy of the record with its own feedback slice.
func (r *StageRecord) Copy() *StageRecord {
	cp := *r
	if r.Output != nil {
		out := *r.Output
		out.ContributingProviders = append([]string(nil), r.Output.ContributingProviders...)
		cp.Output = &out
	}
	if r.Feedback != nil {
		cp.Feedback = append([]string(nil), r.Feedback...)
	}
	return &cp
}

// Checkpoint is the resumable state of one project's pipeline: the current
// stage plus every completed stage's record. The engine persists a complete
// checkpoint after every transition, so a restart resumes from the last
// successfully completed stage, never partway through one.
type Checkpoint struct {
	ProjectID string                  `json:"project_id"`
	Stage     string                  `json:"stage"`
	StageData map[string]*StageRecord `json:"stage_data"`
	Version   int                     `json:"version"`
	UpdatedAt time.Time               `json:"updated_at,omitzero"`
}

// NewCheckpoint creates a checkpoint positioned at the given stage.
func NewCheckpoint(projectID, stage string) *Checkpoint {
	return &Checkpoint{
		ProjectID: projectID,
		Stage:     stage,
		StageData: map[string]*StageRecord{},
	}
}

// Record returns the record for a stage, or nil if the stage has not run.
func (c *Checkpoint) Record(stage string) *StageRecord {
	return c.StageData[stage]
}

// SetRecord stores a stage record.
func (c *Checkpoint) SetRecord(record *StageRecord) {
	if c.StageData == nil {
		c.StageData = map[string]*StageRecord{}
	}
	c.StageData[record.Stage] = record
}

// Copy returns a deep copy of the checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	cp := *c
	cp.StageData = make(map[string]*StageRecord, len(c.StageData))
	for name, record := range c.StageData {
		cp.StageData[name] = record.Copy()
	}
	return &cp
}
