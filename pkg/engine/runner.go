package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/strandlabs/strand/pkg/billing"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/sandbox"
)

// AgentRunner is the production Runner: it replays the thread conversation to
// OpenRouter, streams the completion, executes tool calls against the run's
// sandbox, and debits actual usage after every LLM call.
type AgentRunner struct {
	cfg      *config.EngineConfig
	messages MessageStore
	ledger   UsageLedger
	keys     KeyResolver
	fs       sandbox.FilesystemOps
	proc     sandbox.ProcessOps
	counter  *TokenCounter
	logger   *slog.Logger
}

// NewAgentRunner creates the production runner.
func NewAgentRunner(cfg *config.EngineConfig, messages MessageStore, ledger UsageLedger, keys KeyResolver, fs sandbox.FilesystemOps, proc sandbox.ProcessOps) *AgentRunner {
	return &AgentRunner{
		cfg:      cfg,
		messages: messages,
		ledger:   ledger,
		keys:     keys,
		fs:       fs,
		proc:     proc,
		counter:  &TokenCounter{},
		logger:   slog.With("component", "agent-runner"),
	}
}

// persistedMessage is the stored JSON shape of one conversation entry.
type persistedMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Run implements Runner. Setup failures (key resolution, history load) return
// an error; failures mid-run surface as a terminal failed status item.
func (r *AgentRunner) Run(ctx context.Context, input RunInput) (<-chan models.StreamItem, error) {
	apiKey, isBYOK, err := r.keys.ResolveAPIKey(ctx, input.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve API key: %w", err)
	}

	conversation, err := r.loadConversation(ctx, input)
	if err != nil {
		return nil, err
	}

	model := input.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(r.cfg.OpenRouterBaseURL),
	)

	out := make(chan models.StreamItem)
	go func() {
		defer close(out)
		defer r.recoverPanic(ctx, out, input.RunID)
		r.drive(ctx, out, input, client, model, isBYOK, conversation)
	}()
	return out, nil
}

// recoverPanic converts a panic in the drive goroutine into a terminal failed
// item. Recovery is per-goroutine, so the executor's own recover cannot reach
// a panic here; without this the whole worker process dies mid-run.
func (r *AgentRunner) recoverPanic(ctx context.Context, out chan<- models.StreamItem, runID string) {
	rec := recover()
	if rec == nil {
		return
	}
	r.logger.Error("Agent run panicked", "run_id", runID, "panic", rec, "stack", string(debug.Stack()))
	emit(ctx, out, models.StatusItem(models.RunStatusFailed, fmt.Sprintf("agent panic: %v", rec)))
}

// loadConversation builds the OpenAI-format message list: system prompt first,
// then the thread's llm messages in conversation order. Oversized user
// messages fail the run before any tokens are spent.
func (r *AgentRunner) loadConversation(ctx context.Context, input RunInput) ([]openai.ChatCompletionMessageParamUnion, error) {
	history, err := r.messages.ListThreadMessages(ctx, input.ThreadID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread history: %w", err)
	}

	conversation := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(SystemPrompt(input.AppType)),
	}
	for _, msg := range history {
		var entry persistedMessage
		if err := json.Unmarshal(msg.Content, &entry); err != nil {
			r.logger.Warn("Skipping malformed message", "message_id", msg.MessageID, "error", err)
			continue
		}
		switch entry.Role {
		case "user":
			if err := r.counter.ValidateMessageSize(entry.Content); err != nil {
				return nil, err
			}
			conversation = append(conversation, openai.UserMessage(entry.Content))
		case "assistant":
			conversation = append(conversation, openai.AssistantMessage(entry.Content))
		case "tool":
			conversation = append(conversation, openai.ToolMessage(entry.Content, entry.ToolCallID))
		}
	}
	return conversation, nil
}

// drive runs the LLM/tool loop until completion, stop, or the iteration cap.
func (r *AgentRunner) drive(ctx context.Context, out chan<- models.StreamItem, input RunInput, client openai.Client, model string, isBYOK bool, conversation []openai.ChatCompletionMessageParamUnion) {
	tools := NewToolset(r.fs, r.proc, input.SandboxID)

	for iteration := 0; iteration < r.cfg.MaxIterations; iteration++ {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(model),
			Messages: conversation,
			Tools:    toolDefinitions(),
			StreamOptions: openai.ChatCompletionStreamOptionsParam{
				IncludeUsage: openai.Bool(true),
			},
		}
		if input.ReasoningEffort != "" {
			params.ReasoningEffort = openai.ReasoningEffort(input.ReasoningEffort)
		}

		stream := client.Chat.Completions.NewStreaming(ctx, params)
		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !emit(ctx, out, models.StreamItem{Type: models.ItemTypeContent, Content: chunk.Choices[0].Delta.Content}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			r.failUpstream(ctx, out, input, isBYOK, err)
			return
		}
		if len(acc.Choices) == 0 {
			emit(ctx, out, models.StatusItem(models.RunStatusFailed, "upstream returned no completion"))
			return
		}
		message := acc.Choices[0].Message

		assistantID := r.persist(ctx, input, persistedMessage{Role: "assistant", Content: message.Content}, models.MessageTypeAssistant)
		if !r.debit(ctx, out, input, model, assistantID, acc.Usage) {
			return
		}
		conversation = append(conversation, message.ToParam())

		if len(message.ToolCalls) == 0 {
			emit(ctx, out, models.StatusItem(models.RunStatusCompleted, "Agent finished."))
			return
		}

		for _, tc := range message.ToolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if !emit(ctx, out, models.StreamItem{Type: models.ItemTypeToolCall, Name: tc.Function.Name, Args: args}) {
				return
			}

			output, done, toolErr := tools.Execute(ctx, tc.Function.Name, args)
			if toolErr != nil {
				output = "Error: " + toolErr.Error()
			}
			if !emit(ctx, out, models.StreamItem{Type: models.ItemTypeToolResult, Name: tc.Function.Name, Output: output}) {
				return
			}
			conversation = append(conversation, openai.ToolMessage(output, tc.ID))
			r.persist(ctx, input, persistedMessage{Role: "tool", Content: output, ToolCallID: tc.ID, Name: tc.Function.Name}, models.MessageTypeTool)

			if done {
				emit(ctx, out, models.StatusItem(models.RunStatusCompleted, output))
				return
			}
		}
	}

	emit(ctx, out, models.StatusItem(models.RunStatusCompleted, "Reached the iteration limit."))
}

// failUpstream converts an upstream error into a terminal failed item. A 401
// on a BYOK key triggers the key auto-deactivate path and the user-facing
// rewrite of the error.
func (r *AgentRunner) failUpstream(ctx context.Context, out chan<- models.StreamItem, input RunInput, isBYOK bool, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	var apiErr *openai.Error
	if isBYOK && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		err = r.keys.HandleUpstreamAuthFailure(context.WithoutCancel(ctx), input.AccountID)
	}
	r.logger.Error("Upstream completion failed", "run_id", input.RunID, "error", err)
	emit(ctx, out, models.StatusItem(models.RunStatusFailed, err.Error()))
}

// debit charges the account for actual usage. Returns false when the run must
// stop because the balance is exhausted.
func (r *AgentRunner) debit(ctx context.Context, out chan<- models.StreamItem, input RunInput, model, messageID string, usage openai.CompletionUsage) bool {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return true
	}
	_, err := r.ledger.ConsumeTokens(ctx, billing.ConsumeRequest{
		AccountID:        input.AccountID,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		ThreadID:         input.ThreadID,
		MessageID:        messageID,
	})
	if billing.IsInsufficientTokens(err) {
		emit(ctx, out, models.StatusItem(models.RunStatusFailed, "You are out of credits. Upgrade your plan to continue."))
		return false
	}
	if err != nil {
		// Usage accounting must not kill a healthy run; log and continue.
		r.logger.Error("Failed to record token usage", "run_id", input.RunID, "error", err)
	}
	return true
}

// persist stores one conversation message; failures are logged, not fatal.
func (r *AgentRunner) persist(ctx context.Context, input RunInput, entry persistedMessage, msgType string) string {
	content, err := json.Marshal(entry)
	if err != nil {
		return ""
	}
	msg, err := r.messages.CreateMessage(context.WithoutCancel(ctx), models.CreateMessageRequest{
		ThreadID:     input.ThreadID,
		Type:         msgType,
		IsLLMMessage: true,
		Content:      content,
	})
	if err != nil {
		r.logger.Error("Failed to persist message", "run_id", input.RunID, "type", msgType, "error", err)
		return ""
	}
	return msg.MessageID
}

// emit delivers one item unless the run is cancelled.
func emit(ctx context.Context, out chan<- models.StreamItem, item models.StreamItem) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- item:
		return true
	}
}
