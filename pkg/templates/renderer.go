// Package templates provides the embedded prompt templates driving each
// workflow step.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the data for step prompt rendering.
type TemplateData struct {
	Context     map[string]string `json:"context,omitempty"`
	Task        string            `json:"task"`
	Analysis    string            `json:"analysis,omitempty"`
	Plan        string            `json:"plan,omitempty"`
	Result      string            `json:"result,omitempty"`
	Feedback    string            `json:"feedback,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
}

// StepTemplate identifies one embedded prompt template.
type StepTemplate string

const (
	// SystemTemplate is the system instruction opening every run.
	SystemTemplate StepTemplate = "system.tpl.md"
	// UnderstandTemplate asks the model to restate requirements.
	UnderstandTemplate StepTemplate = "understand.tpl.md"
	// PlanTemplate asks for a numbered implementation plan.
	PlanTemplate StepTemplate = "plan.tpl.md"
	// ExecuteTemplate asks for the solution artifact.
	ExecuteTemplate StepTemplate = "execute.tpl.md"
	// VerifyTemplate asks for a verdict on the solution.
	VerifyTemplate StepTemplate = "verify.tpl.md"
	// VerifyFeedbackTemplate is the mini-template injected when verification
	// fails and EXECUTE is re-entered.
	VerifyFeedbackTemplate StepTemplate = "verify_feedback.tpl.md"
)

// Renderer handles prompt rendering for workflow steps.
type Renderer struct {
	templates map[StepTemplate]*template.Template
}

// NewRenderer parses all embedded templates up front so a malformed template
// fails at startup, not mid-run.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[StepTemplate]*template.Template),
	}

	templateNames := []StepTemplate{
		SystemTemplate,
		UnderstandTemplate,
		PlanTemplate,
		ExecuteTemplate,
		VerifyTemplate,
		VerifyFeedbackTemplate,
	}

	for _, name := range templateNames {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(templateName StepTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return buf.String(), nil
}

// AvailableTemplates returns a list of all loaded templates.
func (r *Renderer) AvailableTemplates() []StepTemplate {
	templates := make([]StepTemplate, 0, len(r.templates))
	for name := range r.templates {
		templates = append(templates, name)
	}
	return templates
}
