package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/openai/openai-go"

	"github.com/strandlabs/strand/pkg/sandbox"
)

// Tool names form a closed set. Unknown names from the model are reported
// back as tool errors, never executed.
const (
	ToolCreateFile       = "create_file"
	ToolStrReplace       = "str_replace"
	ToolFullFileRewrite  = "full_file_rewrite"
	ToolDeleteFile       = "delete_file"
	ToolExecuteCommand   = "execute_command"
	ToolSearchComponents = "search_components"
	ToolComplete         = "complete"
)

const workspaceRoot = "/workspace"

// Toolset executes the agent's tools against one sandbox.
type Toolset struct {
	fs        sandbox.FilesystemOps
	proc      sandbox.ProcessOps
	sandboxID string
}

// NewToolset binds the tool set to a sandbox.
func NewToolset(fs sandbox.FilesystemOps, proc sandbox.ProcessOps, sandboxID string) *Toolset {
	return &Toolset{fs: fs, proc: proc, sandboxID: sandboxID}
}

// Execute runs one tool call. done reports the complete tool; err is a tool
// failure that is fed back to the model, not a run failure.
func (t *Toolset) Execute(ctx context.Context, name string, args json.RawMessage) (output string, done bool, err error) {
	switch name {
	case ToolCreateFile, ToolFullFileRewrite:
		return t.writeFile(ctx, args)
	case ToolStrReplace:
		return t.strReplace(ctx, args)
	case ToolDeleteFile:
		return t.deleteFile(ctx, args)
	case ToolExecuteCommand:
		return t.executeCommand(ctx, args)
	case ToolSearchComponents:
		return t.searchComponents(ctx, args)
	case ToolComplete:
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(args, &payload)
		if payload.Message == "" {
			payload.Message = "Task complete."
		}
		return payload.Message, true, nil
	default:
		return "", false, fmt.Errorf("unknown tool %q", name)
	}
}

func (t *Toolset) writeFile(ctx context.Context, args json.RawMessage) (string, bool, error) {
	var payload struct {
		FilePath     string `json:"file_path"`
		FileContents string `json:"file_contents"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", false, fmt.Errorf("invalid arguments: %w", err)
	}
	full, err := workspacePath(payload.FilePath)
	if err != nil {
		return "", false, err
	}
	if err := t.fs.UploadFile(ctx, t.sandboxID, full, []byte(payload.FileContents)); err != nil {
		return "", false, err
	}
	return fmt.Sprintf("Wrote %s (%d bytes)", payload.FilePath, len(payload.FileContents)), false, nil
}

func (t *Toolset) strReplace(ctx context.Context, args json.RawMessage) (string, bool, error) {
	var payload struct {
		FilePath string `json:"file_path"`
		OldStr   string `json:"old_str"`
		NewStr   string `json:"new_str"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", false, fmt.Errorf("invalid arguments: %w", err)
	}
	if payload.OldStr == "" {
		return "", false, fmt.Errorf("old_str must not be empty")
	}
	full, err := workspacePath(payload.FilePath)
	if err != nil {
		return "", false, err
	}
	contents, err := t.fs.DownloadFile(ctx, t.sandboxID, full)
	if err != nil {
		return "", false, err
	}
	text := string(contents)
	switch strings.Count(text, payload.OldStr) {
	case 0:
		return "", false, fmt.Errorf("old_str not found in %s", payload.FilePath)
	case 1:
	default:
		return "", false, fmt.Errorf("old_str appears multiple times in %s; provide more context to make it unique", payload.FilePath)
	}
	updated := strings.Replace(text, payload.OldStr, payload.NewStr, 1)
	if err := t.fs.UploadFile(ctx, t.sandboxID, full, []byte(updated)); err != nil {
		return "", false, err
	}
	return fmt.Sprintf("Replaced text in %s", payload.FilePath), false, nil
}

func (t *Toolset) deleteFile(ctx context.Context, args json.RawMessage) (string, bool, error) {
	var payload struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", false, fmt.Errorf("invalid arguments: %w", err)
	}
	full, err := workspacePath(payload.FilePath)
	if err != nil {
		return "", false, err
	}
	if err := t.fs.DeleteFile(ctx, t.sandboxID, full); err != nil {
		return "", false, err
	}
	return fmt.Sprintf("Deleted %s", payload.FilePath), false, nil
}

func (t *Toolset) executeCommand(ctx context.Context, args json.RawMessage) (string, bool, error) {
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", false, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(payload.Command) == "" {
		return "", false, fmt.Errorf("command must not be empty")
	}
	result, err := t.proc.Exec(ctx, t.sandboxID, payload.Command, workspaceRoot)
	if err != nil {
		return "", false, err
	}
	output := result.Output
	if result.ExitCode != 0 {
		output = fmt.Sprintf("exit code %d\n%s", result.ExitCode, result.Output)
	}
	return output, false, nil
}

func (t *Toolset) searchComponents(ctx context.Context, args json.RawMessage) (string, bool, error) {
	var payload struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", false, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(payload.Query) == "" {
		return "", false, fmt.Errorf("query must not be empty")
	}
	cmd := fmt.Sprintf("grep -ril -- %q src/components 2>/dev/null || true", payload.Query)
	result, err := t.proc.Exec(ctx, t.sandboxID, cmd, workspaceRoot)
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(result.Output) == "" {
		return "No matching components found.", false, nil
	}
	return result.Output, false, nil
}

// workspacePath resolves a model-supplied path inside the workspace and
// rejects traversal outside it.
func workspacePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("file_path must not be empty")
	}
	full := path.Clean(path.Join(workspaceRoot, strings.TrimPrefix(p, workspaceRoot)))
	if full != workspaceRoot && !strings.HasPrefix(full, workspaceRoot+"/") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return full, nil
}

// toolDefinitions is the closed tool schema advertised to the model.
func toolDefinitions() []openai.ChatCompletionToolParam {
	file := func(extra map[string]any, required ...string) openai.FunctionParameters {
		props := map[string]any{
			"file_path": map[string]any{"type": "string", "description": "Path relative to the workspace root"},
		}
		for k, v := range extra {
			props[k] = v
		}
		return openai.FunctionParameters{
			"type":       "object",
			"properties": props,
			"required":   required,
		}
	}
	contents := map[string]any{
		"file_contents": map[string]any{"type": "string", "description": "Complete file contents"},
	}

	return []openai.ChatCompletionToolParam{
		{
			Function: openai.FunctionDefinitionParam{
				Name:        ToolCreateFile,
				Description: openai.String("Create a new file with the given contents."),
				Parameters:  file(contents, "file_path", "file_contents"),
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        ToolStrReplace,
				Description: openai.String("Replace one unique occurrence of old_str with new_str in a file."),
				Parameters: file(map[string]any{
					"old_str": map[string]any{"type": "string", "description": "Exact text to replace; must occur exactly once"},
					"new_str": map[string]any{"type": "string", "description": "Replacement text"},
				}, "file_path", "old_str", "new_str"),
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        ToolFullFileRewrite,
				Description: openai.String("Overwrite an existing file with new contents."),
				Parameters:  file(contents, "file_path", "file_contents"),
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        ToolDeleteFile,
				Description: openai.String("Delete a file."),
				Parameters:  file(nil, "file_path"),
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        ToolExecuteCommand,
				Description: openai.String("Run a shell command in the workspace and return its output."),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{"type": "string", "description": "Shell command to run"},
					},
					"required": []string{"command"},
				},
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        ToolSearchComponents,
				Description: openai.String("Search the component library for existing components matching a query."),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "description": "Search term"},
					},
					"required": []string{"query"},
				},
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        ToolComplete,
				Description: openai.String("Signal that the task is fully implemented and working."),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{"type": "string", "description": "Short summary of what was built"},
					},
				},
			},
		},
	}
}
