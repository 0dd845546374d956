package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rparkins/convoke/engine"
)

// Options tunes the built-in tool set.
type Options struct {
	DefaultShellTimeout time.Duration // 0 means 2 minutes
	MaxShellTimeout     time.Duration // 0 means 10 minutes
	ReadLimit           int           // default lines per read_file call, 0 means 2000
}

func (o Options) withDefaults() Options {
	if o.DefaultShellTimeout <= 0 {
		o.DefaultShellTimeout = 2 * time.Minute
	}
	if o.MaxShellTimeout <= 0 {
		o.MaxShellTimeout = 10 * time.Minute
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 2000
	}
	return o
}

// RegisterCore registers the built-in file, shell, and search tools.
func RegisterCore(reg *engine.Registry, env Environment, opts Options) {
	opts = opts.withDefaults()
	reg.Register(&ReadFileTool{env: env, limit: opts.ReadLimit})
	reg.Register(&WriteFileTool{env: env})
	reg.Register(&EditFileTool{env: env})
	reg.Register(&ShellTool{env: env, defaultTimeout: opts.DefaultShellTimeout, maxTimeout: opts.MaxShellTimeout})
	reg.Register(&GrepTool{env: env})
	reg.Register(&GlobTool{env: env})
}

// ReadFileTool returns line-numbered file content with offset/limit paging.
type ReadFileTool struct {
	env   Environment
	limit int
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the filesystem. Returns line-numbered content."
}

func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "1-based line number to start reading from.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines to read. Default: 2000.",
			},
		},
		"required": []string{"file_path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	filePath, ok := engine.StringArg(args, "file_path")
	if !ok || filePath == "" {
		return "", fmt.Errorf("file_path is required")
	}
	offset, _ := engine.IntArg(args, "offset")
	limit, _ := engine.IntArg(args, "limit")
	if limit <= 0 {
		limit = t.limit
	}

	content, err := t.env.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}

	lines := strings.Split(content, "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return TruncateFor(t.Name(), sb.String()), nil
}

// WriteFileTool writes full file content, creating parent directories.
type WriteFileTool struct {
	env Environment
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file. Creates the file and parent directories if needed."
}

func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to write to.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The full file content to write.",
			},
		},
		"required": []string{"file_path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	filePath, ok := engine.StringArg(args, "file_path")
	if !ok || filePath == "" {
		return "", fmt.Errorf("file_path is required")
	}
	content, ok := engine.StringArg(args, "content")
	if !ok {
		return "", fmt.Errorf("content is required")
	}
	if err := t.env.WriteFile(filePath, content); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), filePath), nil
}

// EditFileTool replaces an exact string occurrence in a file.
type EditFileTool struct {
	env Environment
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace an exact string occurrence in a file. The old_string must be unique in the file unless replace_all is true."
}

func (t *EditFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit.",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to find in the file.",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace all occurrences. Default: false.",
			},
		},
		"required": []string{"file_path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	filePath, ok := engine.StringArg(args, "file_path")
	if !ok || filePath == "" {
		return "", fmt.Errorf("file_path is required")
	}
	oldString, ok := engine.StringArg(args, "old_string")
	if !ok || oldString == "" {
		return "", fmt.Errorf("old_string is required")
	}
	newString, _ := engine.StringArg(args, "new_string")
	replaceAll, _ := engine.BoolArg(args, "replace_all")

	content, err := t.env.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}

	count := strings.Count(content, oldString)
	if count == 0 {
		return "", fmt.Errorf("old_string not found in %s", filePath)
	}
	if count > 1 && !replaceAll {
		return "", fmt.Errorf("old_string found %d times in %s; provide more context to make it unique, or set replace_all=true", count, filePath)
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(content, oldString, newString)
	} else {
		updated = strings.Replace(content, oldString, newString, 1)
	}
	if err := t.env.WriteFile(filePath, updated); err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}

	replacements := 1
	if replaceAll {
		replacements = count
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", replacements, filePath), nil
}

// ShellTool runs a command through the environment's shell.
type ShellTool struct {
	env            Environment
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Execute a shell command. Returns stdout, stderr, and exit code."
}

func (t *ShellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The command to run.",
			},
			"timeout_ms": map[string]any{
				"type":        "integer",
				"description": "Override the default command timeout in milliseconds.",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Human-readable description of what this command does.",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, ok := engine.StringArg(args, "command")
	if !ok || command == "" {
		return "", fmt.Errorf("command is required")
	}
	timeout := t.defaultTimeout
	if ms, ok := engine.IntArg(args, "timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > t.maxTimeout {
		timeout = t.maxTimeout
	}

	result, err := t.env.ExecCommand(ctx, command, timeout)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(result.Output())
	if result.TimedOut {
		fmt.Fprintf(&sb, "\n\n[Command timed out after %s. Partial output is shown above. "+
			"Retry with a longer timeout via the timeout_ms parameter.]", timeout)
	} else if result.ExitCode != 0 {
		fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
	}
	return TruncateFor(t.Name(), sb.String()), nil
}

// GrepTool searches file contents by regex.
type GrepTool struct {
	env Environment
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents using regex patterns. Returns matching lines with file paths and line numbers."
}

func (t *GrepTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regex pattern to search for.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory or file to search. Default: working directory.",
			},
			"glob_filter": map[string]any{
				"type":        "string",
				"description": "File pattern filter (e.g., \"*.go\").",
			},
			"case_insensitive": map[string]any{
				"type":        "boolean",
				"description": "Case insensitive search. Default: false.",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results. Default: 100.",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	pattern, ok := engine.StringArg(args, "pattern")
	if !ok || pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	path, _ := engine.StringArg(args, "path")
	globFilter, _ := engine.StringArg(args, "glob_filter")
	caseInsensitive, _ := engine.BoolArg(args, "case_insensitive")
	maxResults, _ := engine.IntArg(args, "max_results")
	if maxResults <= 0 {
		maxResults = 100
	}

	out, err := t.env.Grep(ctx, pattern, path, GrepOptions{
		GlobFilter:      globFilter,
		CaseInsensitive: caseInsensitive,
		MaxResults:      maxResults,
	})
	if err != nil {
		return "", err
	}
	return TruncateFor(t.Name(), out), nil
}

// GlobTool finds files by glob pattern.
type GlobTool struct {
	env Environment
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files matching a glob pattern. Returns file paths sorted by modification time, newest first."
}

func (t *GlobTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern (e.g., \"*.go\").",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Base directory. Default: working directory.",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	pattern, ok := engine.StringArg(args, "pattern")
	if !ok || pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	path, _ := engine.StringArg(args, "path")

	matches, err := t.env.Glob(pattern, path)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No files matched.", nil
	}
	return TruncateFor(t.Name(), strings.Join(matches, "\n")), nil
}
