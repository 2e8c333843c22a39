package graphengine

import (
	"fmt"
	"sort"
)

// ValidationError describes a single problem found while validating a task
// graph document. Errors halt ingestion; Warnings do not.
type ValidationError struct {
	Phase   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

// ValidationResult collects the errors and warnings produced by Validate.
// Validation is all-or-nothing: any Errors means nothing should be
// persisted.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// OK reports whether the document has no validation errors (warnings are
// permitted).
func (r *ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) addError(phase, format string, args ...interface{}) {
	r.Errors = append(r.Errors, ValidationError{Phase: phase, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) addWarning(phase, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, ValidationError{Phase: phase, Message: fmt.Sprintf(format, args...)})
}

// Validate runs the phased validation pipeline described in the task graph
// engine's ingestion contract: shape, version, dependency resolution,
// acyclicity, then soft checks. Each phase halts on its own errors before
// the next phase runs, except soft checks, which always run last and only
// ever add warnings.
//
// knownAgents is used by the soft "unknown agent" check; a nil or empty set
// means every agent reference is treated as unknown (each produces a
// warning, never an error).
func Validate(doc *Document, knownAgents map[string]bool) *ValidationResult {
	result := &ValidationResult{}

	if !validateShape(doc, result) {
		return result
	}
	if !validateVersion(doc, result) {
		return result
	}
	if !validateDependencies(doc, result) {
		return result
	}
	if !validateAcyclic(doc, result) {
		return result
	}

	validateSoftChecks(doc, knownAgents, result)

	return result
}

func validateShape(doc *Document, result *ValidationResult) bool {
	before := len(result.Errors)

	if doc.Version == "" {
		result.addError("shape", "version is required")
	}
	if doc.Session.Name == "" {
		result.addError("shape", "session.name is required")
	}
	if doc.Session.BudgetUSD < 0 {
		result.addError("shape", "session.budget_usd must be >= 0")
	}
	// A zero-task graph is legal: its session is created and completes
	// immediately on StartExecution.

	for id, t := range doc.Tasks {
		if id == "" {
			result.addError("shape", "task id must not be empty")
			continue
		}
		if t.Name == "" {
			result.addError("shape", "task %q: name is required", id)
		}
		if t.Prompt == "" {
			result.addError("shape", "task %q: prompt is required", id)
		}
		if t.BudgetUSD < 0 {
			result.addError("shape", "task %q: budget_usd must be >= 0", id)
		}
		if t.MaxRetries < 0 {
			result.addError("shape", "task %q: max_retries must be >= 0", id)
		}
	}

	return len(result.Errors) == before
}

func validateVersion(doc *Document, result *ValidationResult) bool {
	if !SupportedVersions[doc.Version] {
		result.addError("version", "unsupported task graph version %q", doc.Version)
		return false
	}
	return true
}

// validateDependencies checks that every depends_on reference resolves to a
// task defined in the same document.
func validateDependencies(doc *Document, result *ValidationResult) bool {
	before := len(result.Errors)

	for id, t := range doc.Tasks {
		for _, dep := range t.DependsOn {
			if dep == id {
				result.addError("dependency", "task %q: depends on itself", id)
				continue
			}
			if _, exists := doc.Tasks[dep]; !exists {
				result.addError("dependency", "task %q: depends on unknown task %q", id, dep)
			}
		}
	}

	return len(result.Errors) == before
}

// validateAcyclic runs a DFS with colour marking over the depends_on graph
// and reports the first cycle found as an ordered path starting and ending
// at the same node.
func validateAcyclic(doc *Document, result *ValidationResult) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	colors := make(map[string]int, len(doc.Tasks))
	ids := make([]string, 0, len(doc.Tasks))
	for id := range doc.Tasks {
		colors[id] = white
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic traversal order

	var path []string
	var cycle []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		path = append(path, node)

		deps := append([]string(nil), doc.Tasks[node].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, exists := doc.Tasks[dep]; !exists {
				continue // reported by validateDependencies
			}
			switch colors[dep] {
			case gray:
				// Found the back edge: extract the cycle path from where
				// dep first appears in the current path, closing the loop.
				for i, n := range path {
					if n == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						break
					}
				}
				return true
			case white:
				if dfs(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		colors[node] = black
		return false
	}

	for _, id := range ids {
		if colors[id] == white {
			if dfs(id) {
				result.addError("acyclicity", "dependency cycle: %v", cycle)
				return false
			}
		}
	}

	return true
}

func validateSoftChecks(doc *Document, knownAgents map[string]bool, result *ValidationResult) {
	for id, t := range doc.Tasks {
		if t.Agent != "" && !knownAgents[t.Agent] {
			result.addWarning("soft", "task %q: references unregistered agent %q", id, t.Agent)
		}
		if t.Type != "" && !knownTaskTypes[t.Type] {
			result.addWarning("soft", "task %q: unrecognized task type %q", id, t.Type)
		}
		if t.BudgetUSD == 0 && doc.Session.BudgetUSD > 0 {
			result.addWarning("soft", "task %q: has no per-task budget though the session has one", id)
		}
	}
}
