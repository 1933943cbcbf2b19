package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// metacharacters that would change meaning under a shell. Commands run
// as argv arrays, so any occurrence outside quotes is rejected outright.
const metacharacters = ";|&$`><(){}\n"

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/(\s|$)`),
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+~`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`\bchmod\s+(-R\s+)?777\s+/(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{`),
}

// blockedExecutables are never run regardless of configuration.
var blockedExecutables = map[string]bool{
	"sudo":     true,
	"su":       true,
	"shutdown": true,
	"reboot":   true,
	"halt":     true,
	"poweroff": true,
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape sequences from command output so
// expected-output patterns match the bare text.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Result captures one command execution. A non-zero exit code is a
// result, not an error; errors are reserved for commands that could not
// run at all.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs commands as argv arrays with safety checks. The zero
// value is usable: no allowlist, 2-minute default timeout.
type Executor struct {
	// Allowlist, when non-empty, restricts execution to the named
	// executables (basename match).
	Allowlist []string

	// Timeout bounds each command. Zero means 2 minutes.
	Timeout time.Duration
}

// DefaultTimeout is applied when Executor.Timeout is zero.
const DefaultTimeout = 2 * time.Minute

// Validate performs all safety checks on a command without running it:
// dangerous patterns, metacharacters, blocklist, and allowlist. It
// returns the parsed argv (environment prefixes removed) and those
// prefixes.
func (e *Executor) Validate(command string) (argv []string, env []string, err error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, nil, fmt.Errorf("empty command")
	}

	for _, pat := range dangerousPatterns {
		if pat.MatchString(command) {
			return nil, nil, &DangerousCommandError{Command: command, Pattern: pat.String()}
		}
	}

	tokens, err := Split(command)
	if err != nil {
		return nil, nil, err
	}

	// KEY=VALUE prefixes set environment for the child, not the
	// executable itself.
	i := 0
	for i < len(tokens) && isEnvAssignment(tokens[i]) {
		env = append(env, tokens[i])
		i++
	}
	argv = tokens[i:]
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("command has no executable: %q", command)
	}

	executable := baseName(argv[0])
	if blockedExecutables[executable] {
		return nil, nil, &BlockedCommandError{Executable: executable}
	}
	if len(e.Allowlist) > 0 {
		allowed := false
		for _, a := range e.Allowlist {
			if a == executable {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, nil, &CommandNotAllowedError{Executable: executable}
		}
	}
	return argv, env, nil
}

// LookExecutable reports whether the command's executable resolves on
// the process PATH (or as a direct path), after validation.
func (e *Executor) LookExecutable(command string) error {
	argv, _, err := e.Validate(command)
	if err != nil {
		return err
	}
	if strings.ContainsRune(argv[0], os.PathSeparator) {
		if _, err := os.Stat(argv[0]); err != nil {
			return fmt.Errorf("executable not found: %s", argv[0])
		}
		return nil
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("executable not found on PATH: %s", argv[0])
	}
	return nil
}

// Execute validates and runs a command in cwd, capturing stdout and
// stderr. The command never passes through a shell.
func (e *Executor) Execute(ctx context.Context, command, cwd string) (Result, error) {
	argv, env, err := e.Validate(command)
	if err != nil {
		return Result{}, err
	}

	timeout := e.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if ctx.Err() != nil {
				return result, fmt.Errorf("command timed out after %s: %s", timeout, command)
			}
			return result, nil
		}
		return result, fmt.Errorf("failed to run command %q: %w", command, runErr)
	}
	return result, nil
}

// Split tokenizes a command string shell-style: whitespace separates
// tokens, single and double quotes group them. Metacharacters outside
// quotes are rejected. It never interprets the string beyond that —
// no expansion, no substitution.
func Split(command string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inToken := false
	var quote rune

	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		case strings.ContainsRune(metacharacters, r):
			return nil, &ShellInjectionError{Command: command, Reason: string(r)}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, &ShellInjectionError{Command: command, Reason: "unbalanced quote"}
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

func isEnvAssignment(token string) bool {
	eq := strings.IndexByte(token, '=')
	if eq <= 0 {
		return false
	}
	for _, r := range token[:eq] {
		if !(r == '_' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	// A leading digit is a path like 2=, not an env key.
	first := token[0]
	return first == '_' || first >= 'A' && first <= 'Z' || first >= 'a' && first <= 'z'
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, os.PathSeparator); i >= 0 {
		return path[i+1:]
	}
	return path
}
