package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"
)

// Provider base URLs. All three speak the OpenAI chat-completions API.
const (
	OpenAIBaseURL     = "https://api.openai.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	OllamaBaseURL     = "http://localhost:11434/v1"
)

// OpenAI is a Client for any OpenAI-compatible endpoint.
type OpenAI struct {
	client   openai.Client
	provider string
	log      zerolog.Logger
}

// OpenAIOpts holds parameters for creating an OpenAI client.
type OpenAIOpts struct {
	Provider   string // "openai", "openrouter" or "ollama"
	APIKey     string
	BaseURL    string // overrides the provider default
	MaxRetries int
	Timeout    time.Duration // per request; the caller's context still applies
	HTTPClient *http.Client
	Log        *zerolog.Logger
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	if opts.Provider == "" {
		opts.Provider = "openai"
	}
	base := opts.BaseURL
	key := opts.APIKey
	switch opts.Provider {
	case "openai":
		if base == "" {
			base = OpenAIBaseURL
		}
	case "openrouter":
		if base == "" {
			base = OpenRouterBaseURL
		}
	case "ollama":
		if base == "" {
			base = OllamaBaseURL
		}
		if key == "" {
			key = "ollama"
		}
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", opts.Provider)
	}
	if key == "" {
		return nil, fmt.Errorf("llm: api key is required for %s", opts.Provider)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithBaseURL(base),
		option.WithMaxRetries(max(opts.MaxRetries, 0)),
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	if opts.Provider == "openrouter" {
		reqOpts = append(reqOpts, option.WithHeader("X-Title", "mostrador"))
	}

	c := &OpenAI{
		client:   openai.NewClient(reqOpts...),
		provider: opts.Provider,
		log:      zerolog.Nop(),
	}
	if opts.Log != nil {
		c.log = *opts.Log
	}
	return c, nil
}

// Complete sends one chat-completions request.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: %s completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:          choice.Message.Content,
		Model:            resp.Model,
		FinishReason:     choice.FinishReason,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	c.log.Debug().
		Str("model", out.Model).
		Int("tool_calls", len(out.ToolCalls)).
		Int("prompt_tokens", out.PromptTokens).
		Dur("took", time.Since(start)).
		Msg("completion")
	return out, nil
}

func buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleUser:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, assistantParam(m))
		case RoleTool:
			params.Messages = append(params.Messages, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return params, fmt.Errorf("llm: unknown role %q", m.Role)
		}
	}

	for _, t := range req.Tools {
		var schema shared.FunctionParameters
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return params, fmt.Errorf("llm: tool %s parameters: %w", t.Name, err)
			}
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  schema,
			},
		})
	}
	return params, nil
}

func assistantParam(m Message) openai.ChatCompletionMessageParamUnion {
	if len(m.ToolCalls) == 0 {
		return openai.AssistantMessage(m.Content)
	}
	a := openai.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		a.Content.OfString = openai.String(m.Content)
	}
	for _, tc := range m.ToolCalls {
		a.ToolCalls = append(a.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &a}
}
