// Package prompt renders the agent conversation templates.
package prompt

import (
	"bytes"
	"fmt"
	"strconv"
	"text/template"

	"forkbench/internal/config"
	"forkbench/internal/types"
)

// Renderer holds the parsed agent templates. It is safe for concurrent use.
type Renderer struct {
	system      *template.Template
	instance    *template.Template
	observation *template.Template
	formatError *template.Template
	timeout     *template.Template
	maxOutput   int
}

// NewRenderer parses the templates in cfg, substituting defaults for empty
// ones. A malformed template is a configuration error.
func NewRenderer(cfg config.AgentConfig) (*Renderer, error) {
	r := &Renderer{maxOutput: cfg.MaxOutputChars}
	specs := []struct {
		name string
		text string
		def  string
		dst  **template.Template
	}{
		{"system", cfg.SystemTemplate, config.DefaultSystemTemplate, &r.system},
		{"instance", cfg.InstanceTemplate, config.DefaultInstanceTemplate, &r.instance},
		{"observation", cfg.ObservationTemplate, config.DefaultObservationTemplate, &r.observation},
		{"format_error", cfg.FormatErrorTemplate, config.DefaultFormatErrorTemplate, &r.formatError},
		{"timeout", cfg.TimeoutTemplate, config.DefaultTimeoutTemplate, &r.timeout},
	}
	for _, s := range specs {
		text := s.text
		if text == "" {
			text = s.def
		}
		t, err := template.New(s.name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("invalid %s template: %w", s.name, err)
		}
		*s.dst = t
	}
	return r, nil
}

type taskData struct {
	Task string
}

type observationData struct {
	ReturnCode string
	Output     string
	OutputLen  int
	Truncated  bool
	Head       string
	Tail       string
	Elided     int
	TimedOut   bool
	Exception  string
}

type formatErrorData struct {
	Error string
}

type timeoutData struct {
	Action string
	Output string
}

// Preamble returns the system and task messages that open every run.
func (r *Renderer) Preamble(task string) ([]types.Message, error) {
	system, err := execute(r.system, taskData{Task: task})
	if err != nil {
		return nil, err
	}
	instance, err := execute(r.instance, taskData{Task: task})
	if err != nil {
		return nil, err
	}
	return []types.Message{types.System(system), types.User(instance)}, nil
}

// Observation renders an execution result. Output longer than the configured
// limit is shown as head and tail with the middle elided.
func (r *Renderer) Observation(obs types.Observation) (string, error) {
	d := observationData{
		Output:    obs.Output,
		OutputLen: len(obs.Output),
		TimedOut:  obs.TimedOut,
		Exception: obs.Exception,
	}
	if obs.ReturnCode != nil {
		d.ReturnCode = strconv.Itoa(*obs.ReturnCode)
	}
	if r.maxOutput > 0 && len(obs.Output) > r.maxOutput {
		half := r.maxOutput / 2
		d.Truncated = true
		d.Head = obs.Output[:half]
		d.Tail = obs.Output[len(obs.Output)-half:]
		d.Elided = len(obs.Output) - 2*half
	}
	return execute(r.observation, d)
}

// FormatError renders the feedback for an unparseable proposal.
func (r *Renderer) FormatError(reason string) (string, error) {
	return execute(r.formatError, formatErrorData{Error: reason})
}

// Timeout renders the feedback for a killed command.
func (r *Renderer) Timeout(action types.Action, obs types.Observation) (string, error) {
	return execute(r.timeout, timeoutData{Action: action.Command, Output: obs.Output})
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}
