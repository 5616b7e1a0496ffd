// Package smoke runs HTTP smoke checks against deployed services until they answer as expected.
package smoke

import (
	"net/http"
	"strings"
)

// HealthDescription is the fixed description every microservice reports from /v1/health_check
const HealthDescription = "OPEA Microservice Infrastructure"

// Check is a single HTTP request and the substrings its response body may contain.
// The check passes on a 2xx status when the body contains any of Expect.
type Check struct {
	Name    string            `json:"name"              yaml:"name"`
	Method  string            `json:"method"            yaml:"method"`
	URL     string            `json:"url"               yaml:"url"`
	Body    any               `json:"body,omitempty"    yaml:"body,omitempty"`
	Expect  []string          `json:"expect"            yaml:"expect"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Matches reports whether body contains any expected substring
func (c Check) Matches(body string) bool {
	if len(c.Expect) == 0 {
		return true
	}
	for _, e := range c.Expect {
		if strings.Contains(body, e) {
			return true
		}
	}
	return false
}

// Message is an OpenAI style chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateParameters struct {
	MaxNewTokens int  `json:"max_new_tokens"`
	DoSample     bool `json:"do_sample"`
}

type generateRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters generateParameters `json:"parameters"`
}

// GenerateCheck calls the text-generation-inference /generate endpoint
func GenerateCheck(endpoint, prompt string, maxNewTokens int) Check {
	return Check{
		Name:   "generate",
		Method: http.MethodPost,
		URL:    join(endpoint, "/generate"),
		Body: generateRequest{
			Inputs:     prompt,
			Parameters: generateParameters{MaxNewTokens: maxNewTokens, DoSample: true},
		},
		Expect: []string{"generated_text"},
	}
}

type chatRequest struct {
	Model     string `json:"model,omitempty"`
	Messages  any    `json:"messages"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream"`
}

// ChatCheck calls an OpenAI compatible /v1/chat/completions endpoint.
// messages is either a plain string or a []Message.
func ChatCheck(endpoint, model string, messages any, maxTokens int, stream bool) Check {
	return Check{
		Name:   "chat",
		Method: http.MethodPost,
		URL:    join(endpoint, "/v1/chat/completions"),
		Body: chatRequest{
			Model:     model,
			Messages:  messages,
			MaxTokens: maxTokens,
			Stream:    stream,
		},
		Expect: []string{"text", "content"},
	}
}

// HealthCheck calls a microservice health check
func HealthCheck(endpoint string) Check {
	return Check{
		Name:   "health",
		Method: http.MethodGet,
		URL:    join(endpoint, "/v1/health_check"),
		Expect: []string{HealthDescription},
	}
}

func join(endpoint, path string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/") + path
}
