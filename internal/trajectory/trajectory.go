// Package trajectory loads and saves recorded agent runs.
//
// Three on-disk shapes are accepted: a bare JSON list of messages, a
// {messages, info} document, and the structured form written by Save, which
// adds explicit step records.
package trajectory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"forkbench/internal/config"
	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// Format names.
const (
	FormatList       = "list"
	FormatMessages   = "messages"
	FormatStructured = "forkbench.steps/v1"
)

// Extension is the suffix of trajectory files.
const Extension = ".traj.json"

// ModelStats summarises model usage for a run.
type ModelStats struct {
	InstanceCost float64 `json:"instance_cost"`
	APICalls     int     `json:"api_calls"`
	Steps        int     `json:"steps"`
}

// Info is the run metadata stored next to the messages.
type Info struct {
	RunID       string               `json:"run_id,omitempty"`
	Task        string               `json:"task,omitempty"`
	ExitStatus  types.Outcome        `json:"exit_status,omitempty"`
	Submission  string               `json:"submission,omitempty"`
	Error       string               `json:"error,omitempty"`
	ExpertModel *types.ModelIdentity `json:"expert_model,omitempty"`
	ModelStats  ModelStats           `json:"model_stats"`
	// Config is a redacted config snapshot; it carries the backend
	// reconstruction parameters.
	Config  map[string]any       `json:"config,omitempty"`
	Rollout *types.RolloutRecord `json:"rollout,omitempty"`
}

// Trajectory is a recorded run. It is read-only once loaded.
type Trajectory struct {
	Messages []types.Message `json:"messages"`
	Steps    []types.Step    `json:"steps,omitempty"`
	Info     Info            `json:"info"`
	Format   string          `json:"trajectory_format"`

	// Path is where the trajectory was loaded from.
	Path string `json:"-"`
}

// StepView is one decision of a trajectory: the assistant message that made
// it and the messages that followed until the next decision.
type StepView struct {
	Index int
	// Start is the position of the assistant message in Trajectory.Messages.
	Start    int
	Messages []types.Message
	// Record is the structured step, when the trajectory has one.
	Record *types.Step
}

// Assistant returns the assistant message that opened the step.
func (s StepView) Assistant() types.Message { return s.Messages[0] }

// RecordedObservation returns the last non-assistant message of the step,
// which holds the rendered observation.
func (s StepView) RecordedObservation() (string, bool) {
	for i := len(s.Messages) - 1; i > 0; i-- {
		if s.Messages[i].Role != types.RoleAssistant {
			return s.Messages[i].Content, true
		}
	}
	return "", false
}

// rawMessage tolerates content given as a list of text parts and tells an
// absent is_thought apart from false.
type rawMessage struct {
	Role      types.Role      `json:"role"`
	Content   json.RawMessage `json:"content"`
	IsThought *bool           `json:"is_thought"`
}

type rawDocument struct {
	Messages []rawMessage `json:"messages"`
	Steps    []types.Step `json:"steps"`
	Info     Info         `json:"info"`
	Format   string       `json:"trajectory_format"`
}

// Load reads a trajectory file in any supported shape.
func Load(path string) (*Trajectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trajectory: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.Path = path
	logging.ReplayDebug("Loaded trajectory %s: format=%s messages=%d steps=%d",
		path, t.Format, len(t.Messages), len(t.Steps))
	return t, nil
}

// Parse decodes a trajectory document.
func Parse(data []byte) (*Trajectory, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty trajectory")
	}

	if trimmed[0] == '[' {
		var raw []rawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("invalid trajectory list: %w", err)
		}
		msgs, err := convertMessages(raw, true)
		if err != nil {
			return nil, err
		}
		return &Trajectory{Messages: msgs, Format: FormatList}, nil
	}

	var doc rawDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("invalid trajectory document: %w", err)
	}
	if doc.Messages == nil && doc.Steps == nil {
		return nil, errors.New("unrecognized trajectory format: no messages or steps")
	}
	structured := doc.Format == FormatStructured || len(doc.Steps) > 0
	msgs, err := convertMessages(doc.Messages, !structured)
	if err != nil {
		return nil, err
	}
	t := &Trajectory{Messages: msgs, Steps: doc.Steps, Info: doc.Info, Format: FormatMessages}
	if structured {
		t.Format = FormatStructured
	}
	return t, nil
}

// convertMessages decodes raw messages. In legacy documents an assistant
// message without is_thought counts as a thought.
func convertMessages(raw []rawMessage, legacy bool) ([]types.Message, error) {
	out := make([]types.Message, 0, len(raw))
	for i, r := range raw {
		content, err := coerceContent(r.Content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		m := types.Message{Role: r.Role, Content: content}
		switch {
		case r.IsThought != nil:
			m.IsThought = *r.IsThought
		case legacy && r.Role == types.RoleAssistant:
			m.IsThought = true
		}
		out = append(out, m)
	}
	return out, nil
}

func coerceContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unsupported message content: %s", truncate(string(raw), 80))
	}
	texts := make([]string, len(parts))
	for i, p := range parts {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Preamble returns the messages that precede the first decision.
func (t *Trajectory) Preamble() []types.Message {
	for i, m := range t.Messages {
		if m.Role == types.RoleAssistant {
			return types.CloneMessages(t.Messages[:i])
		}
	}
	return types.CloneMessages(t.Messages)
}

// StepViews splits the messages on the expert-action boundary: each
// assistant message and the messages after it, up to the next assistant
// message, form one step. Structured step records are attached by order.
func (t *Trajectory) StepViews() []StepView {
	var views []StepView
	for i, m := range t.Messages {
		if m.Role == types.RoleAssistant {
			views = append(views, StepView{Index: len(views), Start: i, Messages: []types.Message{m}})
			continue
		}
		if len(views) > 0 {
			last := &views[len(views)-1]
			last.Messages = append(last.Messages, m)
		}
	}
	for i := range views {
		if i < len(t.Steps) {
			views[i].Record = &t.Steps[i]
		}
	}
	return views
}

// HistoryThrough returns the preamble plus the messages of the first n steps.
func (t *Trajectory) HistoryThrough(n int) []types.Message {
	views := t.StepViews()
	if n > len(views) {
		n = len(views)
	}
	if n < len(views) {
		return types.CloneMessages(t.Messages[:views[n].Start])
	}
	return types.CloneMessages(t.Messages)
}

// Stem is the file name without the trajectory extension.
func Stem(path string) string {
	name := filepath.Base(path)
	if strings.HasSuffix(name, Extension) {
		return strings.TrimSuffix(name, Extension)
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Config returns the configuration recorded with the trajectory, falling
// back to defaults for anything it does not carry.
func (t *Trajectory) Config() (*config.Config, error) {
	return config.FromSnapshot(t.Info.Config)
}

// ExpertIdentity returns the recorded decision-maker identity, or the one
// implied by the recorded model configuration.
func (t *Trajectory) ExpertIdentity() (types.ModelIdentity, error) {
	if t.Info.ExpertModel != nil {
		return *t.Info.ExpertModel, nil
	}
	cfg, err := t.Config()
	if err != nil {
		return types.ModelIdentity{}, err
	}
	return types.ModelIdentity{Name: cfg.Model.Identity()}, nil
}

// Save writes t in the structured format, replacing any existing file.
func Save(path string, t *Trajectory) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create trajectory directory: %w", err)
		}
	}
	out := *t
	out.Format = FormatStructured
	if out.Messages == nil {
		out.Messages = []types.Message{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trajectory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write trajectory: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write trajectory: %w", err)
	}
	logging.AgentDebug("Saved trajectory %s (%d messages, %d steps)", path, len(out.Messages), len(out.Steps))
	return nil
}

// Find returns the trajectory files under path, sorted. A file path is
// returned as is.
func Find(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var out []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), Extension) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
