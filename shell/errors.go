// Package shell runs plan commands and file writes under safety
// guardrails: argv-only execution, metacharacter rejection, command
// block/allow lists, and path confinement for writes.
package shell

// ShellInjectionError reports a command string carrying shell
// metacharacters. Commands always execute as argv arrays, so
// metacharacters are never meaningful and always suspicious.
type ShellInjectionError struct {
	Command string
	Reason  string
}

func (e *ShellInjectionError) Error() string {
	return "shell metacharacters rejected in command: " + e.Reason
}

// BlockedCommandError reports an executable on the blocklist.
type BlockedCommandError struct {
	Executable string
}

func (e *BlockedCommandError) Error() string {
	return "command is blocked: " + e.Executable
}

// DangerousCommandError reports a command matching a known destructive
// pattern.
type DangerousCommandError struct {
	Command string
	Pattern string
}

func (e *DangerousCommandError) Error() string {
	return "command matches a dangerous pattern: " + e.Pattern
}

// CommandNotAllowedError reports an executable outside a strict
// allowlist.
type CommandNotAllowedError struct {
	Executable string
}

func (e *CommandNotAllowedError) Error() string {
	return "command is not on the allowlist: " + e.Executable
}

// PathTraversalError reports a file write escaping the allowed roots.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return "path escapes the allowed roots: " + e.Path
}
