package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllama_GenerateAndListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			var req ollamaChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "llama3.1:8b", req.Model)
			assert.False(t, req.Stream)
			_ = json.NewEncoder(w).Encode(ollamaChatResponse{
				Message: Message{Role: RoleAssistant, Content: "<html></html>"},
				Done:    true,
			})
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:8b","size":4900000000}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "llama3.1:8b")

	assert.True(t, o.Available(context.Background()))

	text, err := o.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "a timer"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", text)

	models, err := o.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3.1:8b", models[0].Name)
	assert.Equal(t, int64(4900000000), models[0].Size)
}

func TestOllama_UnavailableWhenDown(t *testing.T) {
	t.Parallel()

	o := NewOllama("http://127.0.0.1:1", "m")
	assert.False(t, o.Available(context.Background()))
}

func TestAnthropic_PromotesSystemMessages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sys rules", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, RoleUser, req.Messages[0].Role)

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"done"}]}`))
	}))
	defer srv.Close()

	a := NewAnthropic("key", "claude-sonnet-4-5")
	a.BaseURL = srv.URL

	text, err := a.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys rules"},
		{Role: RoleUser, Content: "a timer"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "done", text)
}

func TestAnthropic_SurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad model"}}`))
	}))
	defer srv.Close()

	a := NewAnthropic("key", "nope")
	a.BaseURL = srv.URL

	_, err := a.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	require.Error(t, err)

	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "claude", pErr.Provider)
	assert.Contains(t, pErr.Error(), "bad model")
}

func TestAnthropic_AvailableNeedsKey(t *testing.T) {
	t.Parallel()

	assert.False(t, NewAnthropic("", "m").Available(context.Background()))
	assert.True(t, NewAnthropic("key", "m").Available(context.Background()))
}

func TestOpenAI_Generate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI("key", srv.URL+"/v1", "gpt-4o-mini")
	text, err := o.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
}

func TestOpenAI_EmptyChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	o := NewOpenAI("key", srv.URL, "m")
	_, err := o.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	assert.Error(t, err)
}

type stubProvider struct {
	name      string
	available bool
}

func (s *stubProvider) Name() string                   { return s.name }
func (s *stubProvider) Available(context.Context) bool { return s.available }
func (s *stubProvider) Generate(context.Context, []Message, Options) (string, error) {
	return "", nil
}

func TestRegistry_FirstAvailable(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubProvider{name: "down"})
	r.Register(&stubProvider{name: "up", available: true})

	p, err := r.FirstAvailable(context.Background(), "down", "up")
	require.NoError(t, err)
	assert.Equal(t, "up", p.Name())
}

func TestRegistry_FirstAvailable_NoneAvailable(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&stubProvider{name: "down"})

	_, err := r.FirstAvailable(context.Background())
	assert.ErrorIs(t, err, ErrNoProvider)
}
