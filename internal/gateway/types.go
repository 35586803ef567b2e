// Package gateway implements the Gateway: the Repl-as-a-service public
// entrypoint that validates requests, rate-limits by client IP, and forwards
// executions to the Orchestrator (spec.md §4.4).
package gateway

import "strings"

// ExecutionRequest is the Gateway's public execution request body.
type ExecutionRequest struct {
	Language     string   `json:"language"`
	Code         string   `json:"code"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ExecutionResponse is the non-streaming Execute response body.
type ExecutionResponse struct {
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

// LanguageSpec describes how one supported language is run inside a
// container (spec.md §4.4 language mapping table).
type LanguageSpec struct {
	Image           string
	InterpreterArgs func(code string) []string
	DepsPrelude     func(deps []string) string
}

// Languages lists, in spec order, every language the Gateway accepts. The
// order here is also the order reported by GET /api/repl/languages.
var Languages = []string{"python", "node", "ruby", "go", "rust"}

// languageSpecs maps each supported language to its image, interpreter
// invocation, and dependency-install prelude.
var languageSpecs = map[string]LanguageSpec{
	"python": {
		Image: "python:3.11-slim",
		InterpreterArgs: func(code string) []string {
			return []string{"python", "-c", code}
		},
		DepsPrelude: func(deps []string) string {
			return "pip install --quiet " + joinArgs(deps) + " &&"
		},
	},
	"node": {
		Image: "node:20-alpine",
		InterpreterArgs: func(code string) []string {
			return []string{"node", "-e", code}
		},
		DepsPrelude: func(deps []string) string {
			return "npm install --global --silent " + joinArgs(deps) + " &&"
		},
	},
	"ruby": {
		Image: "ruby:3.2-alpine",
		InterpreterArgs: func(code string) []string {
			return []string{"ruby", "-e", code}
		},
		DepsPrelude: func(deps []string) string {
			return "gem install --silent " + joinArgs(deps) + " &&"
		},
	},
	"go": {
		Image: "golang:1.22-alpine",
		InterpreterArgs: func(code string) []string {
			return []string{"sh", "-c", "cat > /t.go <<'REPLFLEET_EOF'\n" + code + "\nREPLFLEET_EOF\ngo run /t.go"}
		},
		DepsPrelude: func(deps []string) string {
			return "go install " + joinArgs(deps) + " &&"
		},
	},
	"rust": {
		Image: "rust:1.79-slim",
		InterpreterArgs: func(code string) []string {
			return []string{"sh", "-c", "cat > /t.rs <<'REPLFLEET_EOF'\n" + code + "\nREPLFLEET_EOF\nrustc -o /t /t.rs && /t"}
		},
		DepsPrelude: func(deps []string) string {
			return "cargo install --quiet " + joinArgs(deps) + " &&"
		},
	},
}

func joinArgs(deps []string) string {
	return strings.Join(deps, " ")
}
