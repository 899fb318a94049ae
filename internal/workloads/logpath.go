package workloads

import (
	"fmt"
	"strings"
	"text/template"
)

// DefaultLogFilenameTemplate lays task logs out one directory per DAG, run and task.
const DefaultLogFilenameTemplate = "dag_id={{ .DagID }}/run_id={{ .RunID }}/task_id={{ .TaskID }}/" +
	"{{ if ge .MapIndex 0 }}map_index={{ .MapIndex }}/{{ end }}attempt={{ .TryNumber }}.log"

// LogTemplate renders relative log filenames for task instances.
type LogTemplate struct {
	tmpl *template.Template
}

// NewLogTemplate parses a text/template evaluated against a TaskInstanceDTO.
func NewLogTemplate(text string) (*LogTemplate, error) {
	t, err := template.New("log_filename").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid log filename template: %w", err)
	}
	return &LogTemplate{tmpl: t}, nil
}

var defaultLogTemplate = template.Must(template.New("log_filename").Parse(DefaultLogFilenameTemplate))

// DefaultLogTemplate returns the template for DefaultLogFilenameTemplate.
func DefaultLogTemplate() *LogTemplate {
	return &LogTemplate{tmpl: defaultLogTemplate}
}

// Render returns the log filename for ti.
func (l *LogTemplate) Render(ti *TaskInstanceDTO) (string, error) {
	var sb strings.Builder
	if err := l.tmpl.Execute(&sb, ti); err != nil {
		return "", fmt.Errorf("failed to render log filename for %s: %w", ti.Key(), err)
	}
	return sb.String(), nil
}
