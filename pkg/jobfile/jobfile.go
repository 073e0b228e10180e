// Package jobfile builds generation job lists: a single inline prompt,
// a multi-prompt manifest (YAML, JSON, or plain lines), or one prompt
// fanned out across a glob of attachment files.
package jobfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// SnippetLimit is the display truncation applied to prompt snippets.
const SnippetLimit = 80

// Job is one caller-constructed unit of generation work. At least one
// of Prompt and File must be set.
type Job struct {
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	File   string `json:"file,omitempty"   yaml:"file,omitempty"`
	Model  string `json:"model,omitempty"  yaml:"model,omitempty"`
}

// Validate checks the prompt/file constraint.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Prompt) == "" && j.File == "" {
		return errors.New("job needs a prompt or a file")
	}
	return nil
}

// Snippet returns the job's display label: the first SnippetLimit
// characters of the prompt, or the attachment file name when there is
// no prompt.
func (j Job) Snippet() string {
	prompt := strings.TrimSpace(j.Prompt)
	if prompt == "" {
		return filepath.Base(j.File)
	}
	runes := []rune(prompt)
	if len(runes) <= SnippetLimit {
		return prompt
	}
	return string(runes[:SnippetLimit])
}

// manifest is the on-disk shape of a job file. Either a structured jobs
// list or a bare prompts list.
type manifest struct {
	Jobs    []Job    `json:"jobs,omitempty"    yaml:"jobs,omitempty"`
	Prompts []string `json:"prompts,omitempty" yaml:"prompts,omitempty"`
}

// Load reads a job manifest. Format is chosen by extension: .json for
// JSON, .yaml/.yml for YAML, anything else is treated as plain text
// with one prompt per non-empty line.
func Load(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job file not found: %s", path)
		}
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var jobs []Job
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		jobs, err = parseManifest(data, json.Unmarshal)
	case ".yaml", ".yml":
		jobs, err = parseManifest(data, yaml.Unmarshal)
	default:
		jobs = fromLines(string(data))
	}
	if err != nil {
		return nil, fmt.Errorf("parse job file %s: %w", path, err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job file %s contains no jobs", path)
	}
	for i, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, fmt.Errorf("job %d: %w", i+1, err)
		}
	}
	return jobs, nil
}

func parseManifest(data []byte, unmarshal func([]byte, any) error) ([]Job, error) {
	var m manifest
	if err := unmarshal(data, &m); err != nil {
		return nil, err
	}
	jobs := m.Jobs
	for _, p := range m.Prompts {
		if strings.TrimSpace(p) != "" {
			jobs = append(jobs, Job{Prompt: p})
		}
	}
	return jobs, nil
}

// fromLines treats each non-empty line as one prompt.
func fromLines(text string) []Job {
	var jobs []Job
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		jobs = append(jobs, Job{Prompt: line})
	}
	return jobs
}

// ExpandGlob fans one prompt out across every file matching pattern,
// producing one job per match. Patterns support doublestar globs
// (**, {a,b}). Matches are sorted for a stable job order.
func ExpandGlob(prompt, pattern string) ([]Job, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("glob %q matched no files", pattern)
	}
	sort.Strings(matches)

	jobs := make([]Job, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		jobs = append(jobs, Job{Prompt: prompt, File: m})
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("glob %q matched no regular files", pattern)
	}
	return jobs, nil
}
