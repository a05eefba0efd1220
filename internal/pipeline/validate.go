package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/roach88/stevedore/internal/ir"
)

// Problem is one validation finding.
type Problem struct {
	Stage   string
	Field   string
	Message string
}

func (p Problem) String() string {
	if p.Stage == "" {
		return fmt.Sprintf("%s: %s", p.Field, p.Message)
	}
	return fmt.Sprintf("stage %q: %s: %s", p.Stage, p.Field, p.Message)
}

// ValidationError collects every problem found in a pipeline.
type ValidationError struct {
	Pipeline string
	Problems []Problem
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		lines[i] = "  " + p.String()
	}
	return fmt.Sprintf("pipeline %q is invalid:\n%s", e.Pipeline, strings.Join(lines, "\n"))
}

// Validate checks the structural rules of a pipeline:
//   - stage names are unique
//   - inputs come from the source or from an earlier stage, and only
//     name paths inside that stage's declared outputs
//   - paths are relative and stay inside the workspace
//   - steps carry the fields their kind needs
//   - the runtime names a stage and a base environment
func Validate(p *Pipeline) error {
	var probs []Problem
	add := func(stage, field, format string, args ...any) {
		probs = append(probs, Problem{Stage: stage, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if p.Name == "" {
		add("", "name", "is required")
	}
	if len(p.Stages) == 0 {
		add("", "stages", "at least one stage is required")
	}

	outputs := map[string][]string{}
	for i, st := range p.Stages {
		if st.Name == "" {
			add(fmt.Sprintf("#%d", i), "name", "is required")
			continue
		}
		if st.Name == ir.SourceOrigin {
			add(st.Name, "name", "%q is reserved for the source tree", ir.SourceOrigin)
		}
		if _, dup := outputs[st.Name]; dup {
			add(st.Name, "name", "duplicate stage name")
		}
		if st.Base == "" {
			add(st.Name, "base", "is required")
		}

		for j, in := range st.Inputs {
			field := fmt.Sprintf("inputs[%d]", j)
			if in.Path != "." {
				if _, err := ir.CleanPath(in.Path); err != nil {
					add(st.Name, field, "%v", err)
				}
			}
			if in.From == ir.SourceOrigin {
				continue
			}
			produced, ok := outputs[in.From]
			if !ok {
				if _, _, later := p.Stage(in.From); later {
					add(st.Name, field, "stage %q runs later; inputs may only come from earlier stages", in.From)
				} else {
					add(st.Name, field, "unknown stage %q", in.From)
				}
				continue
			}
			if in.Path != "." && !ir.Within(in.Path, produced) {
				add(st.Name, field, "%q is not inside the declared outputs of stage %q (%s)",
					in.Path, in.From, strings.Join(produced, ", "))
			}
		}

		for j, step := range st.Steps {
			if msg := checkStep(step); msg != "" {
				add(st.Name, fmt.Sprintf("steps[%d]", j), "%s", msg)
			}
		}

		if len(st.Outputs) == 0 {
			add(st.Name, "outputs", "at least one output is required")
		}
		for j, out := range st.Outputs {
			if out == "." {
				continue
			}
			if _, err := ir.CleanPath(out); err != nil {
				add(st.Name, fmt.Sprintf("outputs[%d]", j), "%v", err)
			}
		}
		outputs[st.Name] = st.Outputs
	}

	if p.Runtime.Base == "" {
		add("", "runtime.base", "is required")
	}
	if _, _, ok := p.Stage(p.Runtime.Stage); !ok {
		add("", "runtime.stage", "unknown stage %q", p.Runtime.Stage)
	}
	for i, c := range p.Config {
		if _, err := ir.CleanPath(c); err != nil {
			add("", fmt.Sprintf("config[%d]", i), "%v", err)
		}
	}
	for i, m := range p.Manifests {
		if _, err := path.Match(m, ""); err != nil {
			add("", fmt.Sprintf("manifests[%d]", i), "bad pattern %q", m)
		}
	}

	if len(probs) > 0 {
		return &ValidationError{Pipeline: p.Name, Problems: probs}
	}
	return nil
}

func checkStep(s ir.Step) string {
	if !ir.ValidStepKinds[s.Kind] {
		return fmt.Sprintf("unknown kind %q", s.Kind)
	}
	switch s.Kind {
	case ir.StepWrite, ir.StepRemove:
		if s.Path == "" {
			return "path is required"
		}
	case ir.StepCopy:
		if s.Src == "" || s.Dst == "" {
			return "src and dst are required"
		}
	case ir.StepRun:
		if len(s.Command) == 0 {
			return "command is required"
		}
	}
	return ""
}
