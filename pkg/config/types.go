package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/phase"
)

// Document is the decoded content of one configuration file. A file may
// declare workflow definitions, a phase plan, per-unit configs, or any
// combination.
type Document struct {
	Workflows []WorkflowSpec                    `yaml:"workflows,omitempty"`
	Plan      *PlanSpec                         `yaml:"plan,omitempty"`
	Units     map[string]map[string]interface{} `yaml:"units,omitempty"`
}

// WorkflowSpec is the file form of a workflow definition.
type WorkflowSpec struct {
	Name     string                 `yaml:"name" validate:"required"`
	Phase    int                    `yaml:"phase" validate:"gte=0"`
	Steps    []StepSpec             `yaml:"steps" validate:"required,min=1,dive"`
	Metadata map[string]interface{} `yaml:"metadata,omitempty"`
}

// StepSpec is the file form of one workflow step.
type StepSpec struct {
	ID        string                 `yaml:"id" validate:"required"`
	Unit      string                 `yaml:"unit" validate:"required"`
	Inputs    map[string]interface{} `yaml:"inputs,omitempty"`
	DependsOn []string               `yaml:"depends_on,omitempty"`
	Guard     string                 `yaml:"guard,omitempty"`
	OnError   string                 `yaml:"on_error,omitempty" validate:"omitempty,oneof=stop continue retry"`
	Retries   int                    `yaml:"retries,omitempty" validate:"gte=0"`
}

// ToEngine converts the spec to an engine workflow definition.
func (w *WorkflowSpec) ToEngine() *engine.WorkflowDefinition {
	def := &engine.WorkflowDefinition{
		Name:     w.Name,
		Phase:    w.Phase,
		Metadata: w.Metadata,
	}
	for _, s := range w.Steps {
		def.Steps = append(def.Steps, engine.Step{
			ID:        s.ID,
			Unit:      s.Unit,
			Inputs:    s.Inputs,
			DependsOn: s.DependsOn,
			Guard:     s.Guard,
			OnError:   engine.ErrorStrategy(s.OnError),
			Retries:   s.Retries,
		})
	}
	return def
}

// PlanSpec is the file form of a phase plan.
type PlanSpec struct {
	Name   string      `yaml:"name" validate:"required"`
	Phases []PhaseSpec `yaml:"phases" validate:"required,min=1,dive"`
}

// PhaseSpec is the file form of one plan phase.
type PhaseSpec struct {
	Number          int             `yaml:"number" validate:"gte=0"`
	Name            string          `yaml:"name" validate:"required"`
	Workflow        string          `yaml:"workflow" validate:"required"`
	RequiredContext []string        `yaml:"required_context,omitempty"`
	Gate            *GateSpec       `yaml:"gate,omitempty"`
	Transitions     TransitionsSpec `yaml:"transitions"`
}

// GateSpec is the file form of a phase-exit approval gate.
type GateSpec struct {
	Name         string   `yaml:"name" validate:"required"`
	ApproverRole string   `yaml:"approver_role,omitempty"`
	Timeout      Duration `yaml:"timeout,omitempty"`
	OnTimeout    string   `yaml:"on_timeout,omitempty" validate:"omitempty,oneof=block use_default skip"`
	Default      string   `yaml:"default,omitempty" validate:"omitempty,oneof=approved rejected"`
}

// TransitionsSpec is the file form of a phase's exit routing. Next and the
// targets use plan phase numbers; -1 means the plan completes.
type TransitionsSpec struct {
	Next     int            `yaml:"next"`
	OnFlag   map[string]int `yaml:"on_flag,omitempty"`
	Parallel []int          `yaml:"parallel,omitempty"`
	Join     int            `yaml:"join,omitempty"`
	Rollback int            `yaml:"rollback"`
}

// ToPlan converts the spec to a phase plan. The caller is expected to run
// Plan.Validate afterwards.
func (p *PlanSpec) ToPlan() *phase.Plan {
	plan := &phase.Plan{Name: p.Name}
	for _, ps := range p.Phases {
		spec := phase.Spec{
			Number:          ps.Number,
			Name:            ps.Name,
			Workflow:        ps.Workflow,
			RequiredContext: ps.RequiredContext,
			Transitions: phase.Transitions{
				Next:     ps.Transitions.Next,
				OnFlag:   ps.Transitions.OnFlag,
				Parallel: ps.Transitions.Parallel,
				Join:     ps.Transitions.Join,
				Rollback: ps.Transitions.Rollback,
			},
		}
		if ps.Gate != nil {
			spec.Gate = &phase.GateSpec{
				Name:         ps.Gate.Name,
				ApproverRole: ps.Gate.ApproverRole,
				Timeout:      time.Duration(ps.Gate.Timeout),
				OnTimeout:    engine.GateTimeoutBehavior(ps.Gate.OnTimeout),
				Default:      engine.GateStatus(ps.Gate.Default),
			}
		}
		plan.Phases = append(plan.Phases, spec)
	}
	return plan
}

// Duration parses Go duration strings ("30s", "24h") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ValidationError is one schema or structural fault found while loading.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Path     string `json:"path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Snapshot is the loader's current validated view of all configuration.
type Snapshot struct {
	// Workflows maps workflow name to its definition.
	Workflows map[string]*engine.WorkflowDefinition

	// Plan is the configured phase plan, nil when none is declared.
	Plan *phase.Plan

	// Units maps unit name to the config handed to its Initialize hook.
	Units map[string]map[string]interface{}
}
