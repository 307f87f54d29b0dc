package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StageMode tags how a stage advances.
type StageMode string

const (
	// StageModeAuto runs generation (if any) and advances immediately.
	StageModeAuto StageMode = "auto"

	// StageModeGated runs generation, then suspends until a human decision
	// arrives through the approval queue.
	StageModeGated StageMode = "gated"
)

// Stage describes one step of a plan. A stage with providers runs a
// consensus merge; a stage without providers passes the prior stage's output
// through (the script input and final stages work this way).
type Stage struct {
	Name        string           `json:"name" yaml:"name"`
	Mode        StageMode        `json:"mode" yaml:"mode"`
	Providers   []string         `json:"providers,omitempty" yaml:"providers,omitempty"`
	Strategy    MergeStrategy    `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Timeout     time.Duration    `json:"timeout,omitempty" yaml:"-"`
	Title       string           `json:"title,omitempty" yaml:"title,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    ApprovalPriority `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Generates reports whether the stage fans out to providers.
func (s *Stage) Generates() bool {
	return len(s.Providers) > 0
}

// Gated reports whether the stage requires human sign-off before advancing.
func (s *Stage) Gated() bool {
	return s.Mode == StageModeGated
}

// stageYAML mirrors Stage for YAML decoding, with a human-readable timeout.
type stageYAML struct {
	Name        string           `yaml:"name"`
	Mode        StageMode        `yaml:"mode"`
	Providers   []string         `yaml:"providers"`
	Strategy    MergeStrategy    `yaml:"strategy"`
	Timeout     string           `yaml:"timeout"`
	Title       string           `yaml:"title"`
	Description string           `yaml:"description"`
	Priority    ApprovalPriority `yaml:"priority"`
}

// UnmarshalYAML decodes a stage, parsing timeouts like "90s" or "2m".
func (s *Stage) UnmarshalYAML(value *yaml.Node) error {
	var raw stageYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*s = Stage{
		Name:        raw.Name,
		Mode:        raw.Mode,
		Providers:   raw.Providers,
		Strategy:    raw.Strategy,
		Title:       raw.Title,
		Description: raw.Description,
		Priority:    raw.Priority,
	}
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout for stage %q: %w", raw.Name, err)
		}
		s.Timeout = timeout
	}
	return nil
}

// PlanOptions are used to configure a plan.
type PlanOptions struct {
	Name   string   `json:"name" yaml:"name"`
	Stages []*Stage `json:"stages" yaml:"stages"`
}

// Plan defines the ordered sequence of stages one pipeline run moves
// through. Plans are immutable once built.
type Plan struct {
	name         string
	stages       []*Stage
	stagesByName map[string]*Stage
	indexByName  map[string]int
}

// NewPlan returns a new Plan configured with the given options.
func NewPlan(opts PlanOptions) (*Plan, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("plan name required")
	}
	if len(opts.Stages) == 0 {
		return nil, fmt.Errorf("stages required")
	}
	stagesByName := make(map[string]*Stage, len(opts.Stages))
	indexByName := make(map[string]int, len(opts.Stages))
	for i, stage := range opts.Stages {
		if stage.Name == "" {
			return nil, fmt.Errorf("stage name required")
		}
		if _, exists := stagesByName[stage.Name]; exists {
			return nil, fmt.Errorf("duplicate stage name %q", stage.Name)
		}
		if stage.Mode == "" {
			stage.Mode = StageModeAuto
		}
		if stage.Mode != StageModeAuto && stage.Mode != StageModeGated {
			return nil, fmt.Errorf("stage %q has unknown mode %q", stage.Name, stage.Mode)
		}
		if stage.Generates() && stage.Strategy == "" {
			stage.Strategy = StrategyConsensus
		}
		stagesByName[stage.Name] = stage
		indexByName[stage.Name] = i
	}
	return &Plan{
		name:         opts.Name,
		stages:       opts.Stages,
		stagesByName: stagesByName,
		indexByName:  indexByName,
	}, nil
}

// Name returns the plan name
func (p *Plan) Name() string {
	return p.name
}

// Stages returns the plan stages in order
func (p *Plan) Stages() []*Stage {
	return p.stages
}

// First returns the first stage of the plan
func (p *Plan) First() *Stage {
	return p.stages[0]
}

// Stage returns a stage by name
func (p *Plan) Stage(name string) (*Stage, bool) {
	stage, ok := p.stagesByName[name]
	return stage, ok
}

// Next returns the stage after the named one, or false at the end of the plan.
func (p *Plan) Next(name string) (*Stage, bool) {
	index, ok := p.indexByName[name]
	if !ok || index+1 >= len(p.stages) {
		return nil, false
	}
	return p.stages[index+1], true
}

// Prior returns the stage before the named one, or false at the start.
func (p *Plan) Prior(name string) (*Stage, bool) {
	index, ok := p.indexByName[name]
	if !ok || index == 0 {
		return nil, false
	}
	return p.stages[index-1], true
}

// LoadPlanFile loads a plan from a YAML file
func LoadPlanFile(path string) (*Plan, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return LoadPlanString(string(yamlData))
}

// LoadPlanString loads a plan from a YAML string
func LoadPlanString(data string) (*Plan, error) {
	var opts PlanOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return NewPlan(opts)
}

// DefaultPlan returns the standard script-to-production-plan pipeline over
// the given providers: screenplay formatting, shot division, and production
// planning are gated; character extraction and image prompts advance on
// their own.
func DefaultPlan(providers []string) *Plan {
	timeout := 120 * time.Second
	plan, err := NewPlan(PlanOptions{
		Name: "script-to-production-plan",
		Stages: []*Stage{
			{
				Name: "script_input",
				Mode: StageModeAuto,
			},
			{
				Name:        "screenplay_generation",
				Mode:        StageModeGated,
				Providers:   providers,
				Strategy:    StrategyConsensus,
				Timeout:     timeout,
				Title:       "Screenplay Review Required",
				Description: "Review the formatted screenplay and approve or request revisions.",
				Priority:    PriorityNormal,
			},
			{
				Name:        "shot_division",
				Mode:        StageModeGated,
				Providers:   providers,
				Strategy:    StrategyConsensus,
				Timeout:     timeout,
				Title:       "Shot Division Review",
				Description: "Review the merged shot division for completeness.",
				Priority:    PriorityNormal,
			},
			{
				Name:      "character_extraction",
				Mode:      StageModeAuto,
				Providers: providers,
				Strategy:  StrategyQualityScore,
				Timeout:   timeout,
			},
			{
				Name:      "image_prompts",
				Mode:      StageModeAuto,
				Providers: providers,
				Strategy:  StrategyQualityScore,
				Timeout:   timeout,
			},
			{
				Name:        "production_planning",
				Mode:        StageModeGated,
				Providers:   providers,
				Strategy:    StrategyConsensus,
				Timeout:     timeout,
				Title:       "Production Plan Approval",
				Description: "Approve the final production plan.",
				Priority:    PriorityHigh,
			},
			{
				Name: "final",
				Mode: StageModeAuto,
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return plan
}
