// Package docarray holds the request and response documents exchanged between microservices.
package docarray

import (
	"encoding/json"
	"fmt"
)

// TextDoc is plain text. A non-empty DownstreamBlackList asks the megaservice to stop
// forwarding to every downstream node whose name matches one of the patterns.
type TextDoc struct {
	Text                string   `json:"text"`
	DownstreamBlackList []string `json:"downstream_black_list,omitempty"`
}

// GeneratedDoc pairs a prompt with the text generated for it
type GeneratedDoc struct {
	Prompt string `json:"prompt"`
	Text   string `json:"text"`
}

// LLMParams are the generation parameters merged into LLM and LVM requests
type LLMParams struct {
	Model             string   `json:"model,omitempty"`
	MaxTokens         int      `json:"max_tokens"`
	MaxNewTokens      int      `json:"max_new_tokens"`
	TopK              int      `json:"top_k"`
	TopP              float64  `json:"top_p"`
	Temperature       float64  `json:"temperature"`
	FrequencyPenalty  float64  `json:"frequency_penalty"`
	PresencePenalty   float64  `json:"presence_penalty"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	Stream            bool     `json:"stream"`
	ChatTemplate      *string  `json:"chat_template,omitempty"`
	Stop              []string `json:"stop,omitempty"`
}

func DefaultLLMParams() LLMParams {
	return LLMParams{
		MaxTokens:         1024,
		MaxNewTokens:      1024,
		TopK:              10,
		TopP:              0.95,
		Temperature:       0.01,
		RepetitionPenalty: 1.0,
		Stream:            true,
	}
}

// UnmarshalJSON fills unset fields with their defaults
func (p *LLMParams) UnmarshalJSON(data []byte) error {
	type plain LLMParams
	v := plain(DefaultLLMParams())
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = LLMParams(v)
	return nil
}

// Map returns the params as request fields
func (p LLMParams) Map() map[string]any {
	m := map[string]any{
		"max_tokens":         p.MaxTokens,
		"max_new_tokens":     p.MaxNewTokens,
		"top_k":              p.TopK,
		"top_p":              p.TopP,
		"temperature":        p.Temperature,
		"frequency_penalty":  p.FrequencyPenalty,
		"presence_penalty":   p.PresencePenalty,
		"repetition_penalty": p.RepetitionPenalty,
		"stream":             p.Stream,
	}
	if p.Model != "" {
		m["model"] = p.Model
	}
	if p.ChatTemplate != nil {
		m["chat_template"] = *p.ChatTemplate
	}
	if len(p.Stop) > 0 {
		m["stop"] = p.Stop
	}
	return m
}

// Doc is either a TextDoc or a GeneratedDoc
type Doc interface {
	GetText() string
}

func (d TextDoc) GetText() string      { return d.Text }
func (d GeneratedDoc) GetText() string { return d.Text }

// Decode reads a GeneratedDoc when the payload carries a prompt, otherwise a TextDoc
func Decode(data []byte) (Doc, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if _, ok := probe["text"]; !ok {
		return nil, fmt.Errorf("failed to decode document: missing text field")
	}

	if _, ok := probe["prompt"]; ok {
		var doc GeneratedDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode generated document: %w", err)
		}
		return doc, nil
	}

	var doc TextDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode text document: %w", err)
	}
	return doc, nil
}
