// Package store persists sequences as YAML documents and restores them.
// Only the structural content of a sequence is serialized (label, step types,
// labels, scripts, declared variables, timeouts); indentation and the
// validity diagnostic are recomputed on load.
package store

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MissPeppermintPatty/taskolib"
)

// sequenceDoc is the serialized form of a sequence.
type sequenceDoc struct {
	Label string    `yaml:"label"`
	Steps []stepDoc `yaml:"steps"`
}

// stepDoc is the serialized form of a single step.
type stepDoc struct {
	Type      string   `yaml:"type"`
	Label     string   `yaml:"label,omitempty"`
	Script    string   `yaml:"script,omitempty"`
	Variables []string `yaml:"variables,omitempty"`
	Timeout   string   `yaml:"timeout,omitempty"`
}

// Marshal serializes a sequence to YAML.
func Marshal(seq *taskolib.Sequence) ([]byte, error) {
	doc := sequenceDoc{Label: seq.Label()}

	for _, step := range seq.Steps() {
		sd := stepDoc{
			Type:   string(step.Type()),
			Label:  step.Label(),
			Script: step.Script(),
		}
		for _, name := range step.UsedContextVariableNames() {
			sd.Variables = append(sd.Variables, string(name))
		}
		if to := step.Timeout(); !to.IsInfinite() {
			sd.Timeout = to.Duration().String()
		}
		doc.Steps = append(doc.Steps, sd)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling sequence %q: %w", seq.Label(), err)
	}
	return data, nil
}

// Unmarshal restores a sequence from YAML. Step indentation is recomputed;
// an invalid nesting does not fail the load, mirroring the permissive
// AddStep policy.
func Unmarshal(data []byte) (*taskolib.Sequence, error) {
	var doc sequenceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing sequence document: %w", err)
	}

	steps := make([]taskolib.Step, 0, len(doc.Steps))
	for i, sd := range doc.Steps {
		step, err := decodeStep(sd)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		steps = append(steps, step)
	}

	seq, err := taskolib.NewSequence(doc.Label, steps...)
	if err != nil {
		return nil, err
	}
	return seq, nil
}

func decodeStep(sd stepDoc) (taskolib.Step, error) {
	typ := taskolib.StepType(sd.Type)
	switch typ {
	case taskolib.StepTypeAction, taskolib.StepTypeIf, taskolib.StepTypeElseIf,
		taskolib.StepTypeElse, taskolib.StepTypeWhile, taskolib.StepTypeTry,
		taskolib.StepTypeCatch, taskolib.StepTypeEnd:
	default:
		return taskolib.Step{}, fmt.Errorf("unknown step type %q", sd.Type)
	}

	step := taskolib.NewStep(typ)
	step.SetLabel(sd.Label)
	step.SetScript(sd.Script)

	if len(sd.Variables) > 0 {
		names := make([]taskolib.VariableName, 0, len(sd.Variables))
		for _, raw := range sd.Variables {
			name, err := taskolib.NewVariableName(raw)
			if err != nil {
				return taskolib.Step{}, err
			}
			names = append(names, name)
		}
		step.SetUsedContextVariableNames(names...)
	}

	if sd.Timeout != "" && sd.Timeout != "infinite" {
		d, err := time.ParseDuration(sd.Timeout)
		if err != nil {
			return taskolib.Step{}, fmt.Errorf("invalid timeout %q: %w", sd.Timeout, err)
		}
		step.SetTimeout(taskolib.NewTimeout(d))
	}

	return step, nil
}

// Save writes a sequence to a YAML file.
func Save(path string, seq *taskolib.Sequence) error {
	data, err := Marshal(seq)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}
	return nil
}

// Load reads a sequence from a YAML file.
func Load(path string) (*taskolib.Sequence, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Unmarshal(data)
}
