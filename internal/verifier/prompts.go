package verifier

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"forkbench/internal/config"
	"forkbench/internal/logging"
	"forkbench/internal/types"
)

// Default judge prompts.
const (
	DefaultSystemTemplate = "You are a verifier that selects the best candidate action for the agent to execute."

	DefaultSelectionTemplate = `Choose the best candidate action for the task. Return only the number of the chosen candidate.

Task: {{.Task}}
{{- if .Steps}}

Recent steps:
{{range .Steps}}{{range .}}[{{.Role}}] {{.Content}}
{{end}}{{end}}
{{- end}}

{{range .Candidates}}Candidate {{.Number}}{{if not .Valid}} (invalid: {{.Error}}){{end}}:
{{.Action}}
{{if $.IncludeRawText}}Raw output:
{{.RawText}}
{{end}}
{{end}}`

	DefaultRewardSystemTemplate = "You are a reward model that scores candidate actions for a coding agent."

	DefaultRewardTemplate = `Score the candidate action for how well it advances the task safely and correctly. Return a single line: REWARD: <number>.

Task: {{.Task}}
Candidate:
{{.Candidate.Action}}
`
)

// Prompts are the parsed judge templates.
type Prompts struct {
	System    *template.Template
	Selection *template.Template
	Reward    *template.Template
}

// CandidateView is how a candidate is presented to a judge template.
type CandidateView struct {
	Index   int
	Number  int
	Model   string
	Action  string
	RawText string
	Valid   bool
	Error   string
}

type promptData struct {
	Task           string
	StepIndex      int
	IndexBase      int
	IncludeRawText bool
	Candidates     []CandidateView
	Candidate      CandidateView
	Steps          [][]types.Message
}

// LoadPrompts resolves the judge templates. Inline templates in cfg win over
// the defaults; files under <prompt_dir>/<prompt_name>/ win over both.
func LoadPrompts(cfg config.VerifierConfig) (Prompts, error) {
	system := pick(cfg.SystemTemplate, DefaultSystemTemplate)
	if cfg.Type == config.VerifierRewardModel && cfg.SystemTemplate == "" {
		system = DefaultRewardSystemTemplate
	}
	selection := pick(cfg.SelectionTemplate, DefaultSelectionTemplate)
	reward := pick(cfg.RewardTemplate, DefaultRewardTemplate)

	if cfg.PromptName != "" {
		root := filepath.Join(cfg.PromptDir, cfg.PromptName)
		var err error
		if system, err = readOverride(root, "system.tmpl", system); err != nil {
			return Prompts{}, err
		}
		if selection, err = readOverride(root, "selection.tmpl", selection); err != nil {
			return Prompts{}, err
		}
		if reward, err = readOverride(root, "reward.tmpl", reward); err != nil {
			return Prompts{}, err
		}
	}

	var p Prompts
	var err error
	if p.System, err = parse("system", system); err != nil {
		return Prompts{}, err
	}
	if p.Selection, err = parse("selection", selection); err != nil {
		return Prompts{}, err
	}
	if p.Reward, err = parse("reward", reward); err != nil {
		return Prompts{}, err
	}
	return p, nil
}

func pick(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func readOverride(root, name, current string) (string, error) {
	path := filepath.Join(root, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return current, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read verifier prompt %s: %w", path, err)
	}
	logging.VerifierDebug("Loaded verifier prompt override %s", path)
	return string(data), nil
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid %s template: %w", name, err)
	}
	return t, nil
}

func render(t *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func views(candidates []types.Candidate, base int) []CandidateView {
	out := make([]CandidateView, len(candidates))
	for i, c := range candidates {
		v := CandidateView{
			Index:   i,
			Number:  i + base,
			Model:   c.SourceModelID,
			RawText: c.RawText,
			Valid:   c.Valid,
			Error:   c.Error,
		}
		if c.Action != nil {
			v.Action = c.Action.Command
		}
		out[i] = v
	}
	return out
}

// RecentSteps groups history into steps, each starting at an assistant
// message, and keeps the last n. n < 0 keeps all; n == 0 keeps none.
func RecentSteps(history []types.Message, n int) [][]types.Message {
	if n == 0 {
		return nil
	}
	var steps [][]types.Message
	var current []types.Message
	for _, m := range history {
		if m.Role == types.RoleAssistant {
			if current != nil {
				steps = append(steps, current)
			}
			current = []types.Message{m}
			continue
		}
		if current != nil {
			current = append(current, m)
		}
	}
	if current != nil {
		steps = append(steps, current)
	}
	if n > 0 && len(steps) > n {
		steps = steps[len(steps)-n:]
	}
	return steps
}
