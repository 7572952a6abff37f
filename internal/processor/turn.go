package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ndvalle/mostrador/internal/events"
	"github.com/ndvalle/mostrador/internal/llm"
	"github.com/ndvalle/mostrador/internal/models"
	"github.com/ndvalle/mostrador/internal/settings"
	"github.com/ndvalle/mostrador/internal/stock"
	"github.com/ndvalle/mostrador/internal/tools"
	"github.com/ndvalle/mostrador/internal/transport"
	"github.com/samber/lo"
)

// answer is the model's reply for one turn.
type answer struct {
	reply    string
	fallback bool
	err      error                   // why the turn fell back
	memo     *models.TireSearchState // set after a successful check_stock
}

// answer asks the model, running at most one round of tool calls. Model
// and tool failures degrade to a fallback; only a history read failure
// is returned as an error.
func (p *Processor) answer(ctx context.Context, conv *models.Conversation, in transport.IncomingMessage, memo *models.TireSearchState, bot settings.BotConfig) (answer, error) {
	mc := p.settings.Models(ctx)
	cc := p.settings.Context(ctx)
	enabled := p.settings.Tools(ctx).Enabled()

	msgs, err := p.prompt(ctx, conv, in, memo, cc)
	if err != nil {
		return answer{}, err
	}

	defs := p.tools.Definitions(enabled)
	req := llm.Request{
		Model:       mc.ChatModel,
		Messages:    msgs,
		Temperature: mc.Temperature,
		TopP:        mc.TopP,
		MaxTokens:   lo.Ternary(cc.FallbackMaxTokens > 0, cc.FallbackMaxTokens, mc.MaxTokens),
	}
	if len(defs) > 0 {
		req.Tools = lo.Map(defs, func(d tools.Definition, _ int) llm.Tool {
			return llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
		})
		if cc.FunctionCallingMaxTokens > 0 {
			req.MaxTokens = cc.FunctionCallingMaxTokens
		}
	}

	timeout := bot.AIResponseTimeout()
	if timeout <= 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.complete(ctx, conv.ID, req)
	if err != nil {
		return answer{fallback: true, err: err}, nil
	}

	var ans answer
	if len(resp.ToolCalls) > 0 {
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, m := p.invoke(ctx, conv.ID, call)
			if m != nil {
				ans.memo = m
			}
			req.Messages = append(req.Messages, llm.ToolResult(call.ID, result))
		}
		// One re-submission round; tool calls in the second answer are ignored.
		resp, err = p.complete(ctx, conv.ID, req)
		if err != nil {
			ans.fallback, ans.err = true, err
			return ans, nil
		}
	}

	ans.reply = strings.TrimSpace(resp.Content)
	if ans.reply == "" {
		ans.fallback, ans.err = true, llm.ErrEmptyResponse
	}
	return ans, nil
}

func (p *Processor) complete(ctx context.Context, convID uint, req llm.Request) (*llm.Response, error) {
	resp, err := p.llm.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("processor: model timed out: %w", err)
		}
		p.log.Warn().Err(err).Uint("conversation", convID).Str("model", req.Model).Msg("model call failed")
		return nil, err
	}
	p.events.Publish(events.LLMCompleted, convID, map[string]any{
		"model":             resp.Model,
		"finish_reason":     resp.FinishReason,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
		"tool_calls":        len(resp.ToolCalls),
	})
	return resp, nil
}

// invoke runs one tool call. Failures are returned to the model as a
// structured error payload.
func (p *Processor) invoke(ctx context.Context, convID uint, call llm.ToolCall) (json.RawMessage, *models.TireSearchState) {
	result, err := p.tools.Invoke(ctx, call.Name, call.Arguments)
	data := map[string]any{"tool": call.Name, "ok": err == nil}
	if err != nil {
		var te *tools.ToolError
		if !errors.As(err, &te) {
			te = &tools.ToolError{Kind: tools.KindExecutionFailed, Tool: call.Name, Message: err.Error()}
		}
		data["kind"] = string(te.Kind)
		p.events.Publish(events.ToolInvoked, convID, data)
		return te.Payload(), nil
	}
	p.events.Publish(events.ToolInvoked, convID, data)

	if call.Name != tools.CheckStock {
		return result, nil
	}
	var args tools.CheckStockArgs
	var res tools.StockResult
	if json.Unmarshal(call.Arguments, &args) != nil || json.Unmarshal(result, &res) != nil {
		return result, nil
	}
	return result, &models.TireSearchState{
		Width:       args.Width,
		AspectRatio: args.AspectRatio,
		RimDiameter: args.RimDiameter,
		Brand:       args.Brand,
		BranchCode:  res.Branch,
	}
}

// prompt builds the system message, the recent history and the new
// customer message.
func (p *Processor) prompt(ctx context.Context, conv *models.Conversation, in transport.IncomingMessage, memo *models.TireSearchState, cc settings.ContextConfig) ([]llm.Message, error) {
	var sys strings.Builder
	sys.WriteString(p.settings.Prompts(ctx).Compose())
	if name := strings.TrimSpace(conv.ContactName); name != "" {
		fmt.Fprintf(&sys, "\n\nEl cliente se llama %s.", name)
	}
	if cc.IncludeBranches {
		if line := p.branchesLine(ctx); line != "" {
			sys.WriteString("\n\n" + line)
		}
	}
	if cc.IncludeTireSearchMemo && memo != nil {
		size := stock.Size{Width: memo.Width, AspectRatio: memo.AspectRatio, RimDiameter: memo.RimDiameter}
		fmt.Fprintf(&sys, "\n\nÚltima medida consultada por el cliente: %s", size)
		if memo.Brand != "" {
			fmt.Fprintf(&sys, " (marca %s)", memo.Brand)
		}
		if memo.BranchCode != "" {
			fmt.Fprintf(&sys, " en la sucursal %s", memo.BranchCode)
		}
		sys.WriteString(".")
	}
	if sp, ok := stock.ParseSize(in.Text); ok && sp.Corrected {
		fmt.Fprintf(&sys, "\n\nEl cliente escribió el ancho %d; probablemente quiso decir %d. Confirmalo antes de buscar.", sp.OriginalWidth, sp.Width)
	}

	msgs := []llm.Message{llm.System(sys.String())}

	// The inbound message is already stored; fetch one extra row and drop it.
	history, err := p.convs.LoadRecentHistory(ctx, conv.ID, cc.HistoryLimit+1)
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser && history[n-1].Content == in.Text {
		history = history[:n-1]
	}
	if len(history) > cc.HistoryLimit {
		history = history[len(history)-cc.HistoryLimit:]
	}
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, llm.User(m.Content))
		case models.RoleAssistant:
			msgs = append(msgs, llm.Assistant(m.Content))
		}
	}
	return append(msgs, llm.User(in.Text)), nil
}

func (p *Processor) branchesLine(ctx context.Context) string {
	raw, err := p.tools.Invoke(ctx, tools.ListBranches, nil)
	if err != nil {
		p.log.Debug().Err(err).Msg("branch context unavailable")
		return ""
	}
	var list tools.BranchList
	if err := json.Unmarshal(raw, &list); err != nil || len(list.Branches) == 0 {
		return ""
	}
	names := lo.Map(list.Branches, func(b tools.BranchInfo, _ int) string {
		if b.City != "" && b.City != b.Name {
			return fmt.Sprintf("%s (%s)", b.Name, b.City)
		}
		return b.Name
	})
	return "Sucursales: " + strings.Join(names, ", ") + "."
}
