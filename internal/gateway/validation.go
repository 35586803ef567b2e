package gateway

import (
	"fmt"
	"regexp"

	"github.com/dop251/goja"

	svcerrors "github.com/replfleet/replfleet/infrastructure/errors"
	"github.com/replfleet/replfleet/infrastructure/middleware"
)

// Limits on the request body, enforced before any pattern matching runs.
const (
	MaxCodeSize     = 1 * 1024 * 1024
	MaxDependencies = 20
)

var dependencyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-./:@]+$`)

// blockingPatterns reject the request outright (spec.md §4.4 step 4): fork
// bombs, reverse shells, scanners, miners, destructive root deletes, trivial
// infinite loops, and obvious SQL-injection payloads. Compiled once at
// package init, matching the spec's "compiled once at startup" requirement.
var blockingPatterns = []struct {
	rule string
	re   *regexp.Regexp
}{
	{"fork_bomb", regexp.MustCompile(`:\s*\(\s*\)\s*\{.*:\s*\|\s*:&.*\};\s*:`)},
	{"reverse_shell", regexp.MustCompile(`bash\s+-i\s+>&\s*/dev/tcp/`)},
	{"scanner", regexp.MustCompile(`(?i)nmap|masscan|zmap`)},
	{"miner", regexp.MustCompile(`(?i)xmrig|ethminer|cgminer`)},
	{"destructive_root", regexp.MustCompile(`rm\s+-rf\s+/\b`)},
	{"infinite_loop", regexp.MustCompile(`while\s*(true|\(1\))`)},
	{"sql_injection", regexp.MustCompile(`(?i)(\bunion\s+select\b|\bor\s+1\s*=\s*1\b|;\s*drop\s+table\b)`)},
}

// languageBlockingPatterns are blocking only for the named language; every
// other language treats the same construct as fine.
var languageBlockingPatterns = map[string][]struct {
	rule string
	re   *regexp.Regexp
}{
	"python": {
		{"python_shell_exec", regexp.MustCompile(`os\.system|subprocess|\beval\(|\bexec\(`)},
	},
	"node": {
		{"node_shell_exec", regexp.MustCompile(`child_process|\beval\(|new\s+Function`)},
	},
	"ruby": {
		{"ruby_shell_exec", regexp.MustCompile("\\bsystem\\(|\\beval\\(|`[^`]*`")},
	},
}

// languageWarningPatterns are logged but never block the request.
var languageWarningPatterns = map[string][]struct {
	rule string
	re   *regexp.Regexp
}{
	"go":   {{"go_os_exec", regexp.MustCompile(`os/exec|syscall`)}},
	"rust": {{"rust_unsafe", regexp.MustCompile(`unsafe\s*\{`)}},
}

// Validator runs the Gateway's ordered validation pipeline. warn is called
// for every warning-only match so the caller can log it.
type Validator struct {
	warn func(language, rule string)
}

// NewValidator builds a Validator. warn may be nil.
func NewValidator(warn func(language, rule string)) *Validator {
	if warn == nil {
		warn = func(string, string) {}
	}
	return &Validator{warn: warn}
}

// Validate runs every pipeline step in spec order, short-circuiting on the
// first failure with the offending rule name attached.
func (v *Validator) Validate(req ExecutionRequest) error {
	language := req.Language

	if len(req.Code) > MaxCodeSize {
		return svcerrors.OversizeInput("code", MaxCodeSize)
	}
	if len(req.Dependencies) > MaxDependencies {
		return svcerrors.OversizeInput("dependencies", MaxDependencies)
	}

	if _, ok := languageSpecs[language]; !ok {
		return svcerrors.UnsupportedLanguage(req.Language)
	}

	for _, dep := range req.Dependencies {
		if !dependencyPattern.MatchString(dep) {
			return svcerrors.BlockedPattern("dependency_format")
		}
	}

	for _, p := range blockingPatterns {
		if p.re.MatchString(req.Code) {
			return svcerrors.BlockedPattern(p.rule)
		}
	}

	for _, p := range languageBlockingPatterns[language] {
		if p.re.MatchString(req.Code) {
			return svcerrors.BlockedPattern(p.rule)
		}
	}

	for _, p := range languageWarningPatterns[language] {
		if p.re.MatchString(req.Code) {
			v.warn(language, p.rule)
		}
	}

	if language == "node" {
		if _, err := goja.Compile("submission.js", req.Code, false); err != nil {
			return svcerrors.BlockedPattern(fmt.Sprintf("node_syntax: %v", err))
		}
	}

	return nil
}

// Normalize strips null bytes and surrounding whitespace that a client may
// have sent around the language field, so a quirk like "python\x00" or
// " python " doesn't masquerade as an unsupported language. Callers run this
// before Validate and before the normalized request reaches buildCommand.
func Normalize(req ExecutionRequest) ExecutionRequest {
	req.Language = middleware.SanitizeInput(req.Language)
	return req
}
