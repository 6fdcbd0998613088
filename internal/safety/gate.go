// Package safety implements the child-process safety gate: working
// directory and binary validation, environment sanitization, and
// injection-resistant argument/prompt interpolation. The child process is
// always spawned without a shell, so these checks — not shell quoting —
// are the defense.
package safety

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	agendo "github.com/agendo/core"
)

// staticEnvAllowlist is the fixed whitelist every child process gets,
// regardless of agent. Agent-declared extras are added on top.
var staticEnvAllowlist = []string{"PATH", "HOME", "TERM", "COLORTERM", "LANG", "LC_ALL"}

// shellMeta matches characters that must never appear in a token
// substituted into argv, since argv is passed directly to exec without a
// shell — these are the characters that would matter if it were.
var shellMeta = regexp.MustCompile(`[;&|<>$` + "`" + `\\\n"']`)

// tokenPattern matches a whole {{name}} placeholder token.
var tokenPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_.]+)\}\}`)

// Gate validates and constructs everything needed to spawn a child
// process: its working directory, its binary, its environment, and its
// argv/prompt. ProjectRoots is consulted when WorkingDir is not itself one
// of the static AllowedRoots (the database-backed project-root fallback
// from spec §4.1).
type Gate struct {
	AllowedRoots []string
	ProjectRoots func() ([]string, error)
	Logger       *slog.Logger
}

// New constructs a Gate. logger may be nil, in which case a discard
// logger is used.
func New(allowedRoots []string, projectRoots func() ([]string, error), logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{AllowedRoots: allowedRoots, ProjectRoots: projectRoots, Logger: logger}
}

// ValidateWorkingDir resolves symlinks and checks path against the
// allowlist, falling back to the database-backed project-root list when
// the static allowlist misses. An exact match or a strict-prefix match
// under an allowlist entry (followed by a path separator) is accepted.
func (g *Gate) ValidateWorkingDir(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", &agendo.ErrValidation{Field: "workingDir", Reason: "not-absolute"}
	}
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", &agendo.ErrValidation{Field: "workingDir", Reason: "not-exist"}
	}

	roots := append([]string{}, g.AllowedRoots...)
	if g.ProjectRoots != nil {
		if extra, err := g.ProjectRoots(); err == nil {
			roots = append(roots, extra...)
		} else {
			g.Logger.Warn("project root lookup failed", "error", err)
		}
	}

	for _, root := range roots {
		canonicalRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if canonical == canonicalRoot || strings.HasPrefix(canonical, canonicalRoot+string(filepath.Separator)) {
			return canonical, nil
		}
	}
	return "", &agendo.ErrValidation{Field: "workingDir", Reason: "not-in-allowlist"}
}

// ValidateBinary checks that path exists and is executable by someone.
func (g *Gate) ValidateBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &agendo.ErrValidation{Field: "binary", Reason: "not-executable"}
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return &agendo.ErrValidation{Field: "binary", Reason: "not-executable"}
	}
	return nil
}

// BuildChildEnv starts from a fixed small whitelist and adds exactly the
// agent-declared keys, pulling values from the current process
// environment. It never spreads the full parent environment. Generalized
// from code/subprocess.go's SubprocessRunner.buildEnv, which hardcoded a
// Python-only minimal set; here the extra allowlist is parameterized per
// agent.
func (g *Gate) BuildChildEnv(agentAllowlist []string) map[string]string {
	env := make(map[string]string, len(staticEnvAllowlist)+len(agentAllowlist))
	for _, key := range staticEnvAllowlist {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	for _, key := range agentAllowlist {
		if v, ok := env[key]; ok {
			_ = v
			continue
		}
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	if _, ok := env["LANG"]; !ok {
		env["LANG"] = "en_US.UTF-8"
	}
	return env
}

// ValidateArgs checks args against schema: every required field present,
// every value a scalar (string/number/bool, never an object or array),
// and any declared regex pattern satisfied.
func (g *Gate) ValidateArgs(schema []agendo.ArgSpec, args map[string]any) error {
	for _, spec := range schema {
		v, ok := args[spec.Name]
		if !ok {
			if spec.Required {
				return &agendo.ErrValidation{Field: spec.Name, Reason: "missing-required"}
			}
			continue
		}
		switch v.(type) {
		case string, float64, int, int64, bool:
			// scalar, ok
		default:
			return &agendo.ErrValidation{Field: spec.Name, Reason: "non-scalar"}
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return &agendo.ErrValidation{Field: spec.Name, Reason: "pattern-mismatch"}
			}
			if s, ok := v.(string); ok && !re.MatchString(NormalizeForMatch(s)) {
				return &agendo.ErrValidation{Field: spec.Name, Reason: "pattern-mismatch"}
			}
		}
	}
	return nil
}

// BuildCommandArgs replaces {{name}} tokens in the command argv, where
// each token occupies a whole argv element. Values containing shell-meta
// characters are rejected even though no shell is involved — this keeps
// the contract consistent with InterpolatePrompt and catches accidental
// attempts at injection via crafted tool arguments.
func (g *Gate) BuildCommandArgs(tokens []string, args map[string]any) ([]string, error) {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		m := tokenPattern.FindStringSubmatch(tok)
		if m == nil {
			out = append(out, tok)
			continue
		}
		name := m[1]
		v, ok := args[name]
		if !ok {
			return nil, &agendo.ErrValidation{Field: name, Reason: "missing"}
		}
		s := NormalizeForMatch(scalarString(v))
		if shellMeta.MatchString(s) {
			return nil, &agendo.ErrValidation{Field: name, Reason: "disallowed-char"}
		}
		out = append(out, s)
	}
	return out, nil
}

// InterpolatePrompt replaces {{dotted.path}} tokens with resolved lookups
// in context. Missing keys become empty strings; InterpolatePrompt never
// returns an error, matching spec semantics for a prompt-mode capability
// where a missing optional field should not abort the turn.
func (g *Gate) InterpolatePrompt(template string, context map[string]any) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := tokenPattern.FindStringSubmatch(match)[1]
		v, ok := lookupDotted(context, path)
		if !ok {
			return ""
		}
		return NormalizeForMatch(scalarString(v))
	})
}

func lookupDotted(context map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = context
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// NormalizeForMatch applies the same NFKC + zero-width-char strip
// defense guardrail.go used before its injection-phrase matching, so that
// any pattern-based validation layered on top of the gate (e.g. a
// capability that blocklists certain prompt phrases) is resistant to
// homoglyph/zero-width obfuscation.
func NormalizeForMatch(s string) string {
	cleaned := zeroWidthChars.Replace(s)
	return norm.NFKC.String(cleaned)
}

// zeroWidthChars strips Unicode zero-width and invisible characters used
// for obfuscation, mirroring guardrail.go's replacer.
var zeroWidthChars = strings.NewReplacer(
	"​", "", // zero-width space
	"‌", "", // zero-width non-joiner
	"‍", "", // zero-width joiner
	"﻿", "", // zero-width no-break space (BOM)
	"⁠", "", // word joiner
	"᠎", "", // Mongolian vowel separator
	"­", "", // soft hyphen
)
