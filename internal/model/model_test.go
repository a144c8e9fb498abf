package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorHasCapability(t *testing.T) {
	d := &Descriptor{Name: "gpt", Capabilities: []string{"chat", " Vision "}}
	assert.True(t, d.HasCapability("chat"))
	assert.True(t, d.HasCapability("vision"))
	assert.False(t, d.HasCapability("embeddings"))

	var nilDesc *Descriptor
	assert.False(t, nilDesc.HasCapability("chat"))
}

func TestDescriptorUpstreamModel(t *testing.T) {
	assert.Equal(t, "gpt-4o-mini", (&Descriptor{Name: "fast", Model: "gpt-4o-mini"}).UpstreamModel())
	assert.Equal(t, "fast", (&Descriptor{Name: "fast"}).UpstreamModel())
}

func TestDescriptorJSONOmitsCredentials(t *testing.T) {
	d := &Descriptor{Name: "gpt", Provider: ProviderOpenAI, Credentials: []Credential{{APIKey: "sk-secret"}}}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", fmt.Errorf("call: %w", context.DeadlineExceeded), "provider request timed out"},
		{"auth", &ProviderError{Provider: "openai", StatusCode: 401, Message: "bad key"}, "provider authentication failed: bad key"},
		{"rate limited", &ProviderError{Provider: "openai", StatusCode: 429, RetryAfter: 2 * time.Second}, "provider rate limited (retry after 2s)"},
		{"server", &ProviderError{Provider: "xai", StatusCode: 503}, "provider unavailable"},
		{"bad request", &ProviderError{Provider: "xai", StatusCode: 400, Message: "nope"}, "provider rejected request: nope"},
		{"plain", fmt.Errorf("dial tcp: refused"), "dial tcp: refused"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Describe(tc.err))
		})
	}

	assert.Equal(t, "", Describe(nil))
	long := &ProviderError{Provider: "openai", StatusCode: 500, Message: strings.Repeat("x", 500)}
	assert.True(t, strings.HasSuffix(Describe(long), "..."))
}

func TestTracingWritesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.ndjson")

	stop, err := EnableTracing(path)
	require.NoError(t, err)
	require.True(t, TracingEnabled())

	Trace(TraceEntry{Adapter: "openai", Endpoint: "/chat/completions", Model: "gpt", StatusCode: 200})
	stop()
	require.False(t, TracingEnabled())

	Trace(TraceEntry{Adapter: "ignored"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry TraceEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "openai", entry.Adapter)
	assert.False(t, entry.Timestamp.IsZero())
}
