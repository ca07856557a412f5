package models

import (
	"time"
)

// Workflow is the root of a workflow file.
type Workflow struct {
	Name        string            `yaml:"name"`
	On          Triggers          `yaml:"on" validate:"required"`
	Env         map[string]string `yaml:"env"`
	Permissions Permissions       `yaml:"permissions"`
	Defaults    Defaults          `yaml:"defaults"`
	Jobs        Jobs              `yaml:"jobs" validate:"required,min=1,dive"`

	// Path is the file the workflow was loaded from.
	Path string `yaml:"-"`
}

// Job returns the job with the given id.
func (w *Workflow) Job(id string) (*Job, bool) {
	for _, j := range w.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

type Job struct {
	// ID is the key of the job under `jobs`.
	ID              string            `yaml:"-" validate:"required"`
	Name            string            `yaml:"name"`
	RunsOn          StringList        `yaml:"runs-on"`
	Needs           StringList        `yaml:"needs"`
	If              string            `yaml:"if"`
	Strategy        *Strategy         `yaml:"strategy"`
	TimeoutMinutes  float64           `yaml:"timeout-minutes" validate:"gte=0"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	Env             map[string]string `yaml:"env"`
	Permissions     Permissions       `yaml:"permissions"`
	Defaults        Defaults          `yaml:"defaults"`
	Container       *Container        `yaml:"container"`
	Steps           []Step            `yaml:"steps" validate:"required_without=Uses,excluded_with=Uses,dive"`
	Outputs         map[string]string `yaml:"outputs"`

	// Uses, With and Secrets describe a call to a reusable workflow.
	Uses    string         `yaml:"uses"`
	With    map[string]any `yaml:"with"`
	Secrets SecretsPassing `yaml:"secrets"`
}

// DisplayName is the job name shown in logs.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

type Step struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	If               string            `yaml:"if"`
	Run              string            `yaml:"run" validate:"required_without=Uses,excluded_with=Uses"`
	Uses             string            `yaml:"uses"`
	With             map[string]string `yaml:"with"`
	Env              map[string]string `yaml:"env"`
	Shell            string            `yaml:"shell"`
	WorkingDirectory string            `yaml:"working-directory"`
	TimeoutMinutes   float64           `yaml:"timeout-minutes" validate:"gte=0"`
	ContinueOnError  bool              `yaml:"continue-on-error"`
}

// DisplayName is the step name shown in logs.
func (s *Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	case s.ID != "":
		return s.ID
	}
	return "run"
}

type Strategy struct {
	Matrix      Matrix `yaml:"matrix"`
	FailFast    *bool  `yaml:"fail-fast"`
	MaxParallel int    `yaml:"max-parallel" validate:"gte=0"`
}

// FailFastEnabled reports the effective fail-fast setting, which defaults to true.
func (s *Strategy) FailFastEnabled() bool {
	if s == nil || s.FailFast == nil {
		return true
	}
	return *s.FailFast
}

// Matrix keeps axes in declaration order so expansion is deterministic.
type Matrix struct {
	Axes    []Axis
	Include []Properties
	Exclude []Properties

	// Expr holds a whole-matrix expression such as ${{ fromJSON(needs.a.outputs.m) }}.
	Expr string
}

type Axis struct {
	Name   string
	Values []any

	// Expr holds an axis expression evaluated before expansion.
	Expr string
}

type Container struct {
	Image   string            `yaml:"image" validate:"required"`
	Env     map[string]string `yaml:"env"`
	Options string            `yaml:"options"`
}

type Defaults struct {
	Run RunDefaults `yaml:"run"`
}

type RunDefaults struct {
	Shell            string `yaml:"shell"`
	WorkingDirectory string `yaml:"working-directory"`
}

// SecretsPassing is either `inherit` or an explicit mapping.
type SecretsPassing struct {
	Inherit bool
	Values  map[string]string
}

// Permissions maps a scope to read, write or none. A scalar such as
// `read-all` is stored under the "*" scope.
type Permissions map[string]string

// Triggers is the decoded `on` section.
type Triggers struct {
	Push             *RefFilter
	PullRequest      *RefFilter
	Schedule         []Schedule
	WorkflowDispatch *Dispatch
	WorkflowCall     *WorkflowCall

	// Events lists the declared event names in file order.
	Events []string
}

// Has reports whether the event is declared.
func (t Triggers) Has(event string) bool {
	for _, e := range t.Events {
		if e == event {
			return true
		}
	}
	return false
}

type RefFilter struct {
	Types          []string `yaml:"types"`
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
	Tags           []string `yaml:"tags"`
	TagsIgnore     []string `yaml:"tags-ignore"`
	Paths          []string `yaml:"paths"`
	PathsIgnore    []string `yaml:"paths-ignore"`
}

type Schedule struct {
	Cron string `yaml:"cron" validate:"required"`
}

type Dispatch struct {
	Inputs map[string]Input `yaml:"inputs" validate:"dive"`
}

type WorkflowCall struct {
	Inputs  map[string]Input      `yaml:"inputs" validate:"dive"`
	Outputs map[string]CallOutput `yaml:"outputs"`
	Secrets map[string]CallSecret `yaml:"secrets"`
}

type Input struct {
	Description string   `yaml:"description"`
	Type        string   `yaml:"type" validate:"omitempty,oneof=string boolean number choice environment"`
	Required    bool     `yaml:"required"`
	Default     any      `yaml:"default"`
	Options     []string `yaml:"options"`
}

type CallOutput struct {
	Description string `yaml:"description"`
	Value       string `yaml:"value" validate:"required"`
}

type CallSecret struct {
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Event carries the trigger payload a run is started with.
type Event struct {
	Name         string
	Ref          string
	SHA          string
	Actor        string
	Repository   string
	BaseRef      string
	HeadRef      string
	Action       string
	ChangedPaths []string
	Schedule     string
	Time         time.Time
	Inputs       map[string]any
	Payload      map[string]any
}
