package graphengine

// Document is the external task-graph file shape (YAML or JSON), per the
// task graph file schema. Field names match the wire format directly; the
// engine converts this into models.Session/models.Task/models.Dependency
// rows during persistence.
type Document struct {
	Version string                  `yaml:"version" json:"version"`
	Session SessionDoc              `yaml:"session" json:"session"`
	Tasks   map[string]TaskDoc      `yaml:"tasks" json:"tasks"`
}

// SessionDoc is the `session:` block of a task graph document.
type SessionDoc struct {
	Name       string  `yaml:"name" json:"name"`
	BudgetUSD  float64 `yaml:"budget_usd" json:"budget_usd"`
	BaseBranch string  `yaml:"base_branch" json:"base_branch"`
}

// TaskDoc is one entry of the `tasks:` map in a task graph document.
type TaskDoc struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Prompt      string   `yaml:"prompt" json:"prompt"`
	Type        string   `yaml:"type" json:"type"`
	Agent       string   `yaml:"agent" json:"agent"`
	Model       string   `yaml:"model" json:"model"`
	BudgetUSD   float64  `yaml:"budget_usd" json:"budget_usd"`
	MaxRetries  int      `yaml:"max_retries" json:"max_retries"`
	DependsOn   []string `yaml:"depends_on" json:"depends_on"`
}

// SupportedVersions enumerates the task-graph document versions this engine
// accepts. Unknown versions are rejected in the version-compatibility
// validation phase.
var SupportedVersions = map[string]bool{
	"1":   true,
	"1.0": true,
}

// defaultMaxRetries is applied when a task document omits max_retries.
const defaultMaxRetries = 2

// knownTaskTypes drives the soft "unknown type" warning in validation; any
// value is accepted, but these are the ones the Worker Pool has timeout/turn
// defaults for.
var knownTaskTypes = map[string]bool{
	"coding":      true,
	"testing":     true,
	"debugging":   true,
	"refactoring": true,
	"docs":        true,
}
