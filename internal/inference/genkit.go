package inference

import (
	"context"
	"fmt"
	"os"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"

	"github.com/colonyrt/runtime/internal/colonyerr"
)

// GenkitClient is a Client backed by Genkit with the Anthropic plugin,
// selected when ANTHROPIC_API_KEY is configured.
type GenkitClient struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitClient initializes Genkit with the Anthropic plugin. apiKey
// empty falls back to ANTHROPIC_API_KEY; model empty defaults to
// claude-3-5-sonnet-20241022.
func NewGenkitClient(ctx context.Context, apiKey, model string) (*GenkitClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, colonyerr.New("inference.NewGenkitClient", colonyerr.InvalidInput,
			fmt.Errorf("no anthropic API key configured"))
	}
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	plugin := &anthropic.Anthropic{APIKey: apiKey, BaseURL: os.Getenv("ANTHROPIC_BASE_URL")}
	g := genkit.Init(ctx, genkit.WithPlugins(plugin))
	return &GenkitClient{g: g, model: model}, nil
}

func (c *GenkitClient) Complete(ctx context.Context, req Request) (Response, error) {
	opts := []ai.GenerateOption{ai.WithModelName("anthropic/" + c.model)}
	var msgs []*ai.Message
	if req.SystemPrompt != "" {
		msgs = append(msgs, ai.NewSystemTextMessage(req.SystemPrompt))
	}
	msgs = append(msgs, ai.NewUserTextMessage(req.Prompt))
	opts = append(opts, ai.WithMessages(msgs...))

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return Response{}, colonyerr.New("inference.Complete", colonyerr.InferenceFailure, err)
	}
	out := Response{Text: resp.Text()}
	if resp.Usage != nil {
		out.InputTokens = resp.Usage.InputTokens
		out.OutputTokens = resp.Usage.OutputTokens
	}
	return out, nil
}
