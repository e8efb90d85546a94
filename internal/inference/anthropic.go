package inference

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

// AnthropicClient is a Client backed directly by anthropic-sdk-go,
// bypassing Genkit for callers (the compression engine's stage-3
// summarizer) that want the lower-latency direct SDK path rather than
// Genkit's tool-calling machinery.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient constructs a direct-SDK client. apiKey empty falls
// back to ANTHROPIC_API_KEY; model empty defaults to Claude 3.5 Sonnet.
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, colonyerr.New("inference.NewAnthropicClient", colonyerr.InvalidInput, nil)
	}
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaude3_5SonnetLatest
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  m,
	}, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, colonyerr.New("inference.Complete", colonyerr.InferenceFailure, err)
	}

	var text string
	for _, block := range msg.Content {
		if tb := block.AsAny(); tb != nil {
			if t, ok := tb.(anthropic.TextBlock); ok {
				text += t.Text
			}
		}
	}
	return Response{
		Text:         text,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
