package guardrails

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/savaki/opea-comps/internal/docarray"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// fakeGuard serves /v1/models and answers chat completions with reply
func fakeGuard(t *testing.T, models []string, reply func(chatRequest) string) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			data := []map[string]any{}
			for _, m := range models {
				data = append(data, map[string]any{"id": m, "object": "model"})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
		case "/v1/chat/completions":
			var req chatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":     "chatcmpl-1",
				"object": "chat.completion",
				"model":  req.Model,
				"choices": []map[string]any{{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": reply(req)},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestUnsafeCategories(t *testing.T) {
	assert.Equal(t, "Violence and Hate", UnsafeCategories(DefaultModel)["O1"])
	assert.Equal(t, "Violent Crimes", UnsafeCategories("meta-llama/Llama-Guard-3-8B")["S1"])
	assert.Len(t, UnsafeCategories("other"), 11)
}

func TestServiceModelID(t *testing.T) {
	ctx := context.Background()

	server := fakeGuard(t, []string{"meta-llama/Llama-Guard-3-8B"}, nil)
	assert.Equal(t, "meta-llama/Llama-Guard-3-8B", ServiceModelID(ctx, server.URL, DefaultModel))

	empty := fakeGuard(t, nil, nil)
	assert.Equal(t, DefaultModel, ServiceModelID(ctx, empty.URL, DefaultModel))

	assert.Equal(t, DefaultModel, ServiceModelID(ctx, "http://127.0.0.1:1", DefaultModel))
}

func TestLlamaGuard_Invoke(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		model     string
		doc       docarray.Doc
		reply     string
		want      docarray.TextDoc
		wantRoles []string
	}{
		{
			name:      "safe text",
			model:     "meta-llama/Llama-Guard-3-8B",
			doc:       docarray.TextDoc{Text: "How do I bake bread?"},
			reply:     "safe",
			want:      docarray.TextDoc{Text: "How do I bake bread?"},
			wantRoles: []string{"user"},
		},
		{
			name:      "unsafe mlcommons",
			model:     "meta-llama/Llama-Guard-3-8B",
			doc:       docarray.TextDoc{Text: "bad request"},
			reply:     "unsafe\nS1",
			want:      docarray.TextDoc{Text: "Violated policies: Violent Crimes, please check your input.", DownstreamBlackList: []string{".*"}},
			wantRoles: []string{"user"},
		},
		{
			name:      "unsafe llamaguard 7b",
			model:     DefaultModel,
			doc:       docarray.GeneratedDoc{Prompt: "q", Text: "bad answer"},
			reply:     "unsafe\nO3",
			want:      docarray.TextDoc{Text: "Violated policies: Criminal Planning, please check your input.", DownstreamBlackList: []string{".*"}},
			wantRoles: []string{"user", "assistant"},
		},
		{
			name:      "unknown code",
			model:     "meta-llama/Llama-Guard-3-8B",
			doc:       docarray.TextDoc{Text: "x"},
			reply:     "unsafe\nS14",
			want:      docarray.TextDoc{Text: "Violated policies: S14, please check your input.", DownstreamBlackList: []string{".*"}},
			wantRoles: []string{"user"},
		},
		{
			name:      "generated safe passes text",
			model:     DefaultModel,
			doc:       docarray.GeneratedDoc{Prompt: "q", Text: "fine answer"},
			reply:     "safe",
			want:      docarray.TextDoc{Text: "fine answer"},
			wantRoles: []string{"user", "assistant"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got chatRequest
			server := fakeGuard(t, nil, func(req chatRequest) string {
				got = req
				return tt.reply
			})

			guard := New(ctx, server.URL, tt.model)
			doc, err := guard.Invoke(ctx, tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc)
			assert.Equal(t, tt.model, got.Model)

			var roles []string
			for _, m := range got.Messages {
				roles = append(roles, m.Role)
			}
			assert.Equal(t, tt.wantRoles, roles)
		})
	}
}

func TestLlamaGuard_CheckHealth(t *testing.T) {
	ctx := context.Background()

	healthy := fakeGuard(t, []string{"meta-llama/Llama-Guard-3-8B"}, func(req chatRequest) string {
		assert.Equal(t, "The sky is blue.", req.Messages[0].Content)
		return "safe"
	})
	guard := New(ctx, healthy.URL, "")
	assert.Equal(t, "meta-llama/Llama-Guard-3-8B", guard.Model())
	assert.True(t, guard.CheckHealth(ctx))

	down := New(ctx, "http://127.0.0.1:1", "x")
	assert.False(t, down.CheckHealth(ctx))
}
