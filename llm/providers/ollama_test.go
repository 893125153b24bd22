package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unified-agent-system/agenthub/llm"
)

func TestOllamaProvider_BuildURL(t *testing.T) {
	p := &OllamaProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "http://localhost:11434/v1/chat/completions",
		},
		{
			name:    "custom base URL",
			baseURL: "http://gpu-box:11434/v1",
			want:    "http://gpu-box:11434/v1/chat/completions",
		},
		{
			name:    "trailing slash handled",
			baseURL: "http://localhost:11434/v1/",
			want:    "http://localhost:11434/v1/chat/completions",
		},
		{
			name:    "full path passed through",
			baseURL: "http://localhost:8000/v1/chat/completions",
			want:    "http://localhost:8000/v1/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.BuildURL(tt.baseURL)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOllamaProvider_BuildRequestBody(t *testing.T) {
	p := &OllamaProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "You review diffs."},
		{Role: "user", Content: "Review this change."},
	}

	temp := 0.2
	body, err := p.BuildRequestBody("qwen2.5-coder:14b", messages, &temp, 1024)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"model":"qwen2.5-coder:14b"`)
	assert.Contains(t, string(body), `"temperature":0.2`)
	assert.Contains(t, string(body), `"max_tokens":1024`)
	// OpenAI format keeps system messages inline
	assert.Contains(t, string(body), `"role":"system"`)
}

func TestOllamaProvider_BuildRequestBody_NoMaxTokens(t *testing.T) {
	p := &OllamaProvider{}

	body, err := p.BuildRequestBody("qwen2.5-coder:14b", []llm.Message{{Role: "user", Content: "hi"}}, nil, 0)
	require.NoError(t, err)

	assert.NotContains(t, string(body), `"max_tokens"`)
	assert.NotContains(t, string(body), `"temperature"`)
}

func TestOllamaProvider_ParseResponse(t *testing.T) {
	p := &OllamaProvider{}

	responseBody := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "qwen2.5-coder:14b",
		"choices": [
			{
				"index": 0,
				"message": {"role": "assistant", "content": "LGTM"},
				"finish_reason": "stop"
			}
		],
		"usage": {"prompt_tokens": 42, "completion_tokens": 3, "total_tokens": 45}
	}`)

	resp, err := p.ParseResponse(responseBody, "qwen2.5-coder:14b")
	require.NoError(t, err)

	assert.Equal(t, "LGTM", resp.Content)
	assert.Equal(t, "qwen2.5-coder:14b", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 45, resp.Usage.TotalTokens)
}

func TestOllamaProvider_ParseResponse_NoChoices(t *testing.T) {
	p := &OllamaProvider{}

	_, err := p.ParseResponse([]byte(`{"model": "m", "choices": []}`), "m")
	require.Error(t, err)
}
