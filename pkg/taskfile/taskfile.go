// Package taskfile parses markdown task files with optional YAML frontmatter.
// Frontmatter carries per-run overrides and seed context; the body is the task text.
package taskfile

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"solver/pkg/agent/llmerrors"
	"solver/pkg/config"
)

var frontmatterDelimiter = regexp.MustCompile(`^---\s*$`)

// TaskFile is a parsed task file. Frontmatter fields are nil when absent so
// they can be layered under CLI overrides without clobbering them.
type TaskFile struct {
	Provider    string            `yaml:"provider,omitempty"`
	Temperature *float32          `yaml:"temperature,omitempty"`
	MaxTokens   *int              `yaml:"max_tokens,omitempty"`
	Stream      *bool             `yaml:"stream,omitempty"`
	Context     map[string]string `yaml:"context,omitempty"`

	// Task is the markdown body, whitespace-trimmed.
	Task string `yaml:"-"`
}

// Load reads and parses a task file from disk.
func Load(path string) (*TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	return parsed, nil
}

// Parse parses markdown into a TaskFile. Frontmatter is optional: content
// that does not open with a --- delimiter is treated as pure task text.
func Parse(markdown string) (*TaskFile, error) {
	taskFile := &TaskFile{}

	frontmatter, body, hasFrontmatter, err := splitFrontmatter(markdown)
	if err != nil {
		return nil, err
	}

	if hasFrontmatter {
		// Unknown fields are rejected so typos fail loudly instead of being ignored
		decoder := yaml.NewDecoder(strings.NewReader(frontmatter))
		decoder.KnownFields(true)
		if decodeErr := decoder.Decode(taskFile); decodeErr != nil {
			return nil, llmerrors.NewConfigError("invalid task file frontmatter: %v", decodeErr)
		}
	}

	taskFile.Task = strings.TrimSpace(body)
	if err := taskFile.validate(); err != nil {
		return nil, err
	}
	return taskFile, nil
}

// splitFrontmatter splits markdown into YAML frontmatter and body.
// Returns hasFrontmatter=false when the content does not open with ---.
//
//nolint:gocritic // Separate return values are clearer than a struct for this simple case.
func splitFrontmatter(markdown string) (frontmatter string, body string, hasFrontmatter bool, err error) {
	lines := strings.Split(markdown, "\n")
	if len(lines) == 0 || !frontmatterDelimiter.MatchString(strings.TrimSpace(lines[0])) {
		return "", markdown, false, nil
	}

	// Find closing delimiter
	closingIdx := -1
	for i := 1; i < len(lines); i++ {
		if frontmatterDelimiter.MatchString(strings.TrimSpace(lines[i])) {
			closingIdx = i
			break
		}
	}

	if closingIdx == -1 {
		return "", "", false, llmerrors.NewConfigError("task file frontmatter is missing its closing delimiter (---)")
	}

	frontmatter = strings.Join(lines[1:closingIdx], "\n")
	body = strings.Join(lines[closingIdx+1:], "\n")

	return frontmatter, body, true, nil
}

// validate checks frontmatter values using the same rules as inbound overrides.
func (t *TaskFile) validate() error {
	overrides := t.Overrides()
	return overrides.Validate()
}

// Overrides converts frontmatter fields into run overrides.
func (t *TaskFile) Overrides() *config.Overrides {
	overrides := &config.Overrides{
		Temperature: t.Temperature,
		MaxTokens:   t.MaxTokens,
		Stream:      t.Stream,
	}
	if t.Provider != "" {
		provider := t.Provider
		overrides.Provider = &provider
	}
	return overrides
}
