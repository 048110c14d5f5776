package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"multichatgo/internal/config"
	"multichatgo/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Reply is the finished product of one streamed model call: the full text,
// any tool-call fragments accumulated by stream index, and token usage.
type Reply struct {
	Content          string
	ToolCalls        []*models.ToolUse
	PromptTokens     int64
	CompletionTokens int64
}

// Service wraps one provider-bound chat model.
type Service struct {
	chatModel model.ToolCallingChatModel
	provider  string
	modelName string
}

// NewChatService builds a chat model for the given provider using the app
// config's provider table.
func NewChatService(provider, modelName string) (*Service, error) {
	cfgPath := os.Getenv("MULTICHATGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}

	var chatModel model.ToolCallingChatModel
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelName,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: true,
				ThinkingBudget:  nil,
			},
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	return &Service{chatModel: chatModel, provider: provider, modelName: modelName}, nil
}

// StreamReply drives one reply generation for the agent: streams text deltas
// through onDelta as they arrive and accumulates tool-call fragments keyed by
// their stream index.
func (s *Service) StreamReply(ctx context.Context, agent *models.Participant, roster []*models.Participant, topic string, history []*models.Message, tools []*schema.ToolInfo, onDelta func(delta, full string) error) (*Reply, error) {
	if agent == nil {
		return nil, errors.New("agent cannot be nil")
	}
	chatModel := s.chatModel
	if len(tools) > 0 {
		withTools, err := chatModel.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
		chatModel = withTools
	}

	messages := buildAgentMessages(agent, roster, topic, history)
	streamReader, err := chatModel.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("generate reply stream failed: %w", err)
	}
	defer streamReader.Close()

	reply := &Reply{}
	var fullContent string
	for {
		chunk, err := streamReader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("stream recv: %w", err)
		}
		if chunk.Content != "" {
			fullContent += chunk.Content
			if onDelta != nil {
				if err := onDelta(chunk.Content, fullContent); err != nil {
					return nil, err
				}
			}
		}
		for _, tc := range chunk.ToolCalls {
			accumulateToolCall(reply, tc)
		}
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			reply.PromptTokens = int64(chunk.ResponseMeta.Usage.PromptTokens)
			reply.CompletionTokens = int64(chunk.ResponseMeta.Usage.CompletionTokens)
		}
	}
	reply.Content = fullContent
	return reply, nil
}

func accumulateToolCall(reply *Reply, tc schema.ToolCall) {
	idx := len(reply.ToolCalls)
	if tc.Index != nil {
		idx = *tc.Index
	}
	for _, existing := range reply.ToolCalls {
		if existing.Index == idx {
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.Args += tc.Function.Arguments
			return
		}
	}
	reply.ToolCalls = append(reply.ToolCalls, &models.ToolUse{
		Index: idx,
		Name:  tc.Function.Name,
		Args:  tc.Function.Arguments,
	})
}

// Complete issues one non-streamed call and returns the raw text. Used for
// speaker selection and title generation prompts.
func (s *Service) Complete(ctx context.Context, messages []*schema.Message) (string, error) {
	out, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate failed: %w", err)
	}
	return out.Content, nil
}

func buildAgentMessages(agent *models.Participant, roster []*models.Participant, topic string, history []*models.Message) []*schema.Message {
	names := make(map[int64]string, len(roster)+1)
	names[models.UserSpeakerID] = "user"
	for _, p := range roster {
		names[p.ID] = p.Name
	}

	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, &schema.Message{
		Role:    schema.System,
		Content: agentSystemPrompt(agent, roster, topic),
	})
	for _, msg := range history {
		messages = append(messages, convertMessage(agent, names, msg)...)
	}
	return messages
}

// convertMessage maps one log entry onto provider roles relative to the
// replying agent: its own text is assistant, everyone else's is user with a
// speaker prefix, tool traffic keeps its structured form.
func convertMessage(agent *models.Participant, names map[int64]string, msg *models.Message) []*schema.Message {
	switch msg.Kind {
	case models.KindText:
		if msg.ParticipantID == agent.ID {
			return []*schema.Message{{Role: schema.Assistant, Content: msg.Content}}
		}
		name := names[msg.ParticipantID]
		if name == "" {
			name = fmt.Sprintf("participant %d", msg.ParticipantID)
		}
		return []*schema.Message{{Role: schema.User, Content: fmt.Sprintf("%s: %s", name, msg.Content)}}
	case models.KindToolUse:
		calls := make([]schema.ToolCall, 0, len(msg.ToolCalls))
		for _, tu := range msg.ToolCalls {
			idx := tu.Index
			calls = append(calls, schema.ToolCall{
				Index: &idx,
				ID:    toolCallID(msg.ID, tu.Index),
				Function: schema.FunctionCall{
					Name:      tu.Name,
					Arguments: tu.Args,
				},
			})
		}
		out := []*schema.Message{{Role: schema.Assistant, Content: msg.Content, ToolCalls: calls}}
		for _, tu := range msg.ToolCalls {
			// Every call needs a paired result or providers reject the
			// sequence; a slot left unresolved by a crash reads as interrupted.
			var content string
			switch {
			case tu.Result == nil:
				content = fmt.Sprintf("tool %s was interrupted before it completed", tu.Name)
			case tu.Result.Status != models.ToolOK:
				content = fmt.Sprintf("tool %s failed (%s): %s", tu.Name, tu.Result.Status, tu.Result.Output)
			default:
				content = tu.Result.Output
			}
			out = append(out, &schema.Message{
				Role:       schema.Tool,
				ToolCallID: toolCallID(msg.ID, tu.Index),
				Content:    content,
			})
		}
		return out
	default:
		return nil
	}
}

func toolCallID(messageID int64, index int) string {
	return fmt.Sprintf("call_%d_%d", messageID, index)
}

func agentSystemPrompt(agent *models.Participant, roster []*models.Participant, topic string) string {
	prompt := fmt.Sprintf("You are %s, one participant in a group chatroom.", agent.Name)
	if agent.Abilities != "" {
		prompt += "\n" + agent.Abilities
	}
	if topic != "" {
		prompt += fmt.Sprintf("\nThe current topic is: %s", topic)
	}
	if len(roster) > 1 {
		prompt += "\nOther participants:"
		for _, p := range roster {
			if p.ID == agent.ID || p.Absent {
				continue
			}
			prompt += fmt.Sprintf("\n- %s", p.Name)
		}
	}
	prompt += "\nReply in your own voice. Do not prefix your reply with your name."
	return prompt
}
