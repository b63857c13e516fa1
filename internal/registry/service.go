// Package registry builds the in-memory catalog of servers and their
// services from YAML definition files and resolves names, URLs and
// access rules. The catalog is read-mostly: it is rebuilt wholesale,
// never incrementally mutated under load.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/mobgo/internal/typesys"
)

// Kind distinguishes the service variants.
type Kind string

const (
	KindProgram  Kind = "program"
	KindWorkflow Kind = "workflow"
	KindViewer   Kind = "viewer"
)

// Ctrl is one control expression on a parameter: when Test evaluates
// false for the bound value, Message is reported as a user error.
type Ctrl struct {
	Test    string `yaml:"test"`
	Message string `yaml:"message"`
}

// Parameter describes one input or output of a Program. Parameters form
// a tree (paragraph nesting) flattened by argument-position ordering
// for command construction.
type Parameter struct {
	Name string `yaml:"name,omitempty"`

	// Paragraph groups nested parameters; an entry is either a
	// parameter (Name set) or a paragraph (Paragraph set).
	Paragraph  string      `yaml:"paragraph,omitempty"`
	Parameters []Parameter `yaml:"parameters,omitempty"`

	Prompt    string `yaml:"prompt,omitempty"`
	Mandatory bool   `yaml:"mandatory,omitempty"`
	Hidden    bool   `yaml:"hidden,omitempty"`
	// Command marks the parameter whose value replaces the command
	// name itself rather than being appended as an argument.
	Command bool `yaml:"command,omitempty"`
	Output  bool `yaml:"output,omitempty"`

	Type     string                   `yaml:"type,omitempty"`
	Subtypes []string                 `yaml:"subtypes,omitempty"`
	Formats  []typesys.AcceptedFormat `yaml:"formats,omitempty"`
	Card     typesys.Cardinality      `yaml:"card,omitempty"`

	Default   any      `yaml:"default,omitempty"`
	ValueList []string `yaml:"values,omitempty"`
	Min       *float64 `yaml:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty"`
	Separator string   `yaml:"separator,omitempty"`

	// Flag is emitted before the value on the command line.
	Flag   string `yaml:"flag,omitempty"`
	Argpos int    `yaml:"argpos,omitempty"`
	// Paramfile diverts the value into a named file in the job
	// directory instead of argv.
	Paramfile string `yaml:"paramfile,omitempty"`
	// Filenames is the output file name mask matched after execution.
	Filenames string `yaml:"filenames,omitempty"`

	Precond string `yaml:"precond,omitempty"`
	Ctrls   []Ctrl `yaml:"ctrl,omitempty"`
}

// IsParagraph reports whether the entry is a paragraph group.
func (p *Parameter) IsParagraph() bool {
	return p.Paragraph != ""
}

// Constraints maps the parameter limits into the typesys contract.
func (p *Parameter) Constraints() typesys.Constraints {
	return typesys.Constraints{
		ValueList: p.ValueList,
		Min:       p.Min,
		Max:       p.Max,
		Separator: p.Separator,
	}
}

// AcceptedType builds the MobyleType a value bound to this parameter is
// converted against.
func (p *Parameter) AcceptedType() typesys.MobyleType {
	return typesys.MobyleType{
		DataType: p.Type,
		Subtypes: p.Subtypes,
		Accepted: p.Formats,
		Card:     p.Card,
	}
}

// Task is one node of a Workflow's static graph.
type Task struct {
	ID      string         `yaml:"id"`
	Service string         `yaml:"service"`
	Server  string         `yaml:"server,omitempty"`
	Inputs  map[string]any `yaml:"inputs,omitempty"`
}

// Link is one edge of a Workflow's data-flow graph. An empty FromTask
// means "workflow input"; an empty ToTask means "workflow output".
type Link struct {
	FromTask  string `yaml:"fromTask,omitempty"`
	FromParam string `yaml:"fromParam"`
	ToTask    string `yaml:"toTask,omitempty"`
	ToParam   string `yaml:"toParam"`
}

// Service is a named, versioned definition of an executable unit,
// immutable once parsed.
type Service struct {
	Name       string            `yaml:"name"`
	Version    string            `yaml:"version,omitempty"`
	Title      string            `yaml:"title,omitempty"`
	Kind       Kind              `yaml:"type"`
	Command    []string          `yaml:"command,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Categories []string          `yaml:"categories,omitempty"`
	Parameters []Parameter       `yaml:"parameters,omitempty"`

	Tasks []Task `yaml:"tasks,omitempty"`
	Links []Link `yaml:"links,omitempty"`

	// Path is the definition file the service was parsed from.
	Path string `yaml:"-"`
}

// ParseService parses and sanity-checks one YAML service definition.
func ParseService(data []byte) (*Service, error) {
	var svc Service
	if err := yaml.Unmarshal(data, &svc); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if svc.Name == "" {
		return nil, fmt.Errorf("definition has no name")
	}
	switch svc.Kind {
	case KindProgram:
		if len(svc.Command) == 0 && !svc.hasCommandParameter() {
			return nil, fmt.Errorf("program %s has no command", svc.Name)
		}
	case KindWorkflow:
		if len(svc.Tasks) == 0 {
			return nil, fmt.Errorf("workflow %s has no tasks", svc.Name)
		}
		if err := svc.checkLinks(); err != nil {
			return nil, err
		}
	case KindViewer:
	default:
		return nil, fmt.Errorf("definition %s has unknown type %q", svc.Name, svc.Kind)
	}
	if err := checkParameters(svc.Parameters); err != nil {
		return nil, fmt.Errorf("service %s: %w", svc.Name, err)
	}
	return &svc, nil
}

func (s *Service) hasCommandParameter() bool {
	for _, p := range s.FlatParameters() {
		if p.Command {
			return true
		}
	}
	return false
}

func (s *Service) checkLinks() error {
	tasks := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.ID == "" || t.Service == "" {
			return fmt.Errorf("workflow %s has an incomplete task", s.Name)
		}
		if tasks[t.ID] {
			return fmt.Errorf("workflow %s has duplicate task %q", s.Name, t.ID)
		}
		tasks[t.ID] = true
	}
	for _, l := range s.Links {
		if l.FromTask != "" && !tasks[l.FromTask] {
			return fmt.Errorf("workflow %s links unknown task %q", s.Name, l.FromTask)
		}
		if l.ToTask != "" && !tasks[l.ToTask] {
			return fmt.Errorf("workflow %s links unknown task %q", s.Name, l.ToTask)
		}
		if l.FromParam == "" || l.ToParam == "" {
			return fmt.Errorf("workflow %s has a link without parameters", s.Name)
		}
	}
	return nil
}

func checkParameters(params []Parameter) error {
	seen := make(map[string]bool)
	var walk func([]Parameter) error
	walk = func(list []Parameter) error {
		for i := range list {
			p := &list[i]
			if p.IsParagraph() {
				if err := walk(p.Parameters); err != nil {
					return err
				}
				continue
			}
			if p.Name == "" {
				return fmt.Errorf("parameter without a name")
			}
			if seen[p.Name] {
				return fmt.Errorf("duplicate parameter %q", p.Name)
			}
			seen[p.Name] = true
			if p.Type == "" {
				return fmt.Errorf("parameter %q has no datatype", p.Name)
			}
		}
		return nil
	}
	return walk(params)
}

// FlatParameters flattens the paragraph tree into declaration order.
func (s *Service) FlatParameters() []*Parameter {
	var flat []*Parameter
	var walk func(list []Parameter)
	walk = func(list []Parameter) {
		for i := range list {
			p := &list[i]
			if p.IsParagraph() {
				walk(p.Parameters)
				continue
			}
			flat = append(flat, p)
		}
	}
	walk(s.Parameters)
	return flat
}

// CommandOrder returns the flattened parameters sorted by argument
// position; declaration order breaks ties.
func (s *Service) CommandOrder() []*Parameter {
	flat := s.FlatParameters()
	sort.SliceStable(flat, func(i, j int) bool {
		return flat[i].Argpos < flat[j].Argpos
	})
	return flat
}

// Parameter returns the named parameter, or nil.
func (s *Service) Parameter(name string) *Parameter {
	for _, p := range s.FlatParameters() {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Task returns the task with the given id, or nil.
func (s *Service) Task(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// FullName renders "name" or "name (version)" for display.
func (s *Service) FullName() string {
	if s.Version == "" {
		return s.Name
	}
	return fmt.Sprintf("%s (%s)", s.Name, s.Version)
}

// normalizeName lowers a service name for catalog keys.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
