package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/roach88/threadkeep/internal/ir"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5" // anthropic.ModelClaudeHaiku4_5 (not defined in SDK v1.9.0)

const summarizePrompt = `You compress agent conversations into long-term memory.
Reply with a single JSON object and nothing else:
{"summary": string, "key_points": [string], "entities": [string]}`

const decisionsPrompt = `You extract decisions from agent conversations.
Reply with a single JSON object and nothing else:
{"decisions": [{"decision": string, "rationale": string, "alternatives": [string]}]}
Use an empty list when nothing was decided.`

// messageCreator is the part of the Anthropic client this package uses.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic summarizes with the Claude Messages API.
type Anthropic struct {
	messages  messageCreator
	model     string
	maxTokens int64
}

// NewAnthropic creates a summarizer using apiKey.
func NewAnthropic(apiKey, model string) *Anthropic {
	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(2))
	return newAnthropic(&client.Messages, model)
}

func newAnthropic(m messageCreator, model string) *Anthropic {
	if model == "" {
		model = DefaultModel
	}
	return &Anthropic{messages: m, model: model, maxTokens: 1024}
}

// Summarize asks the model for a JSON summary.
func (a *Anthropic) Summarize(ctx context.Context, msgs []ir.Message) (Summary, error) {
	var out Summary
	if err := a.complete(ctx, summarizePrompt, msgs, &out); err != nil {
		return Summary{}, fmt.Errorf("anthropic summarize: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return Summary{}, fmt.Errorf("anthropic summarize: empty summary")
	}
	if out.KeyPoints == nil {
		out.KeyPoints = []string{}
	}
	if out.Entities == nil {
		out.Entities = []string{}
	}
	return out, nil
}

// ExtractDecisions asks the model for a JSON list of decisions.
func (a *Anthropic) ExtractDecisions(ctx context.Context, msgs []ir.Message) ([]Decision, error) {
	var out struct {
		Decisions []Decision `json:"decisions"`
	}
	if err := a.complete(ctx, decisionsPrompt, msgs, &out); err != nil {
		return nil, fmt.Errorf("anthropic extract decisions: %w", err)
	}
	if out.Decisions == nil {
		out.Decisions = []Decision{}
	}
	return out.Decisions, nil
}

func (a *Anthropic) complete(ctx context.Context, system string, msgs []ir.Message, v any) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(transcript(msgs))),
		},
	}
	resp, err := a.messages.New(ctx, params)
	if err != nil {
		return fmt.Errorf("claude API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	raw := extractJSON(text.String())
	if raw == "" {
		return fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func transcript(msgs []ir.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// extractJSON returns the outermost {...} span, tolerating prose or code
// fences around it.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
