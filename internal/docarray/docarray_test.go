package docarray

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLLMParams_Defaults(t *testing.T) {
	var params LLMParams
	require.NoError(t, json.Unmarshal([]byte(`{"max_tokens":17,"stream":false}`), &params))
	assert.Equal(t, 17, params.MaxTokens)
	assert.False(t, params.Stream)
	assert.Equal(t, 10, params.TopK)
	assert.Equal(t, 0.95, params.TopP)
	assert.Equal(t, 0.01, params.Temperature)
	assert.Equal(t, 1.0, params.RepetitionPenalty)
}

func TestLLMParams_Map(t *testing.T) {
	m := DefaultLLMParams().Map()
	assert.Equal(t, true, m["stream"])
	assert.Equal(t, 1024, m["max_tokens"])
	assert.NotContains(t, m, "model")
	assert.NotContains(t, m, "chat_template")

	params := DefaultLLMParams()
	params.Model = "Intel/neural-chat-7b-v3-3"
	assert.Equal(t, "Intel/neural-chat-7b-v3-3", params.Map()["model"])
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Doc
		wantErr bool
	}{
		{
			name: "text",
			body: `{"text":"What is OPEA?"}`,
			want: TextDoc{Text: "What is OPEA?"},
		},
		{
			name: "generated",
			body: `{"prompt":"What is OPEA?","text":"An open platform."}`,
			want: GeneratedDoc{Prompt: "What is OPEA?", Text: "An open platform."},
		},
		{
			name:    "missing text",
			body:    `{"prompt":"hi"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
