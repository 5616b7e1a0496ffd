// Package guardrails screens text through a LlamaGuard model served behind an OpenAI
// compatible API.
package guardrails

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/savaki/opea-comps/internal/docarray"
)

const DefaultModel = "meta-llama/LlamaGuard-7b"

// healthPrompt is harmless, so a working model must answer safe
const healthPrompt = "The sky is blue."

var llamaGuard7bCategories = map[string]string{
	"O1": "Violence and Hate",
	"O2": "Sexual Content",
	"O3": "Criminal Planning",
	"O4": "Guns and Illegal Weapons",
	"O5": "Regulated or Controlled Substances",
	"O6": "Self-Harm",
}

// MLCommons AI safety hazard taxonomy
var mlcommonsCategories = map[string]string{
	"S1":  "Violent Crimes",
	"S2":  "Non-Violent Crimes",
	"S3":  "Sex Crimes",
	"S4":  "Child Exploitation",
	"S5":  "Specialized Advice",
	"S6":  "Privacy",
	"S7":  "Intellectual Property",
	"S8":  "Indiscriminate Weapons",
	"S9":  "Hate",
	"S10": "Self-Harm",
	"S11": "Sexual Content",
}

// UnsafeCategories maps the category codes modelID answers with to their names
func UnsafeCategories(modelID string) map[string]string {
	if modelID == DefaultModel {
		return llamaGuard7bCategories
	}
	return mlcommonsCategories
}

func newClient(endpoint string) *openai.Client {
	cfg := openai.DefaultConfig("empty")
	cfg.BaseURL = strings.TrimSuffix(endpoint, "/") + "/v1"
	return openai.NewClientWithConfig(cfg)
}

// ServiceModelID returns the first model served at endpoint, or def when the model list
// cannot be read or is empty
func ServiceModelID(ctx context.Context, endpoint, def string) string {
	models, err := newClient(endpoint).ListModels(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("endpoint", endpoint).Msg("Get model id failed")
		return def
	}
	if len(models.Models) == 0 || models.Models[0].ID == "" {
		return def
	}
	return models.Models[0].ID
}

type LlamaGuard struct {
	client *openai.Client
	model  string
}

// New creates a guard for endpoint. An empty model is discovered from the endpoint.
func New(ctx context.Context, endpoint, model string) *LlamaGuard {
	if model == "" {
		model = ServiceModelID(ctx, endpoint, DefaultModel)
	}
	return &LlamaGuard{
		client: newClient(endpoint),
		model:  model,
	}
}

func (g *LlamaGuard) Model() string {
	return g.model
}

func (g *LlamaGuard) chat(ctx context.Context, messages ...openai.ChatCompletionMessage) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", g.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", g.model)
	}
	return resp.Choices[0].Message.Content, nil
}

// Invoke checks doc against the model's policies. A violation returns a TextDoc naming
// the violated policy and black listing every downstream node; otherwise the input text
// is passed through.
func (g *LlamaGuard) Invoke(ctx context.Context, doc docarray.Doc) (docarray.TextDoc, error) {
	var messages []openai.ChatCompletionMessage
	switch d := doc.(type) {
	case docarray.GeneratedDoc:
		messages = []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: d.Prompt},
			{Role: openai.ChatMessageRoleAssistant, Content: d.Text},
		}
	default:
		messages = []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: doc.GetText()},
		}
	}

	reply, err := g.chat(ctx, messages...)
	if err != nil {
		return docarray.TextDoc{}, err
	}

	if !strings.Contains(reply, "unsafe") {
		return docarray.TextDoc{Text: doc.GetText()}, nil
	}

	policy := violatedPolicy(reply, UnsafeCategories(g.model))
	zerolog.Ctx(ctx).Info().Str("model", g.model).Str("policy", policy).Msg("Violated policies")
	return docarray.TextDoc{
		Text:                fmt.Sprintf("Violated policies: %s, please check your input.", policy),
		DownstreamBlackList: []string{".*"},
	}, nil
}

// violatedPolicy reads the category code from the second line of an unsafe reply
func violatedPolicy(reply string, categories map[string]string) string {
	lines := strings.Split(strings.TrimSpace(reply), "\n")
	if len(lines) < 2 {
		return "unknown"
	}
	code := strings.TrimSpace(lines[1])
	if name, ok := categories[code]; ok {
		return name
	}
	return code
}

// CheckHealth asks the model about a harmless statement and expects a safe verdict
func (g *LlamaGuard) CheckHealth(ctx context.Context) bool {
	reply, err := g.chat(ctx, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: healthPrompt})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Health check failed")
		return false
	}
	return strings.Contains(reply, "safe")
}
