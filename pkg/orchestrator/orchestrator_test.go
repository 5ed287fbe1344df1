package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/biblechat/pkg/agent"
	"github.com/harun/biblechat/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []agent.LLMRequest
	call     func(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error)
}

func (p *fakeProvider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return p.call(ctx, req)
}

func (p *fakeProvider) Provider() string { return "fake" }

func (p *fakeProvider) lastRequest() agent.LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func reply(text string) func(context.Context, agent.LLMRequest) (*agent.LLMResponse, error) {
	return func(context.Context, agent.LLMRequest) (*agent.LLMResponse, error) {
		return &agent.LLMResponse{Content: text}, nil
	}
}

func failWith(err error) func(context.Context, agent.LLMRequest) (*agent.LLMResponse, error) {
	return func(context.Context, agent.LLMRequest) (*agent.LLMResponse, error) {
		return nil, err
	}
}

type staticPrompt struct {
	text string
	err  error
}

func (s staticPrompt) Load(context.Context) (string, error) { return s.text, s.err }

func setup(t *testing.T, provider agent.LLMProvider, opts ...Option) (*Orchestrator, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	o := New(store, provider, staticPrompt{text: "You explain the Bible."}, opts...)
	t.Cleanup(func() { _ = o.Close() })
	return o, store
}

func roles(turns []session.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = fmt.Sprintf("%s:%s", t.Role, t.Text)
	}
	return out
}

func TestAsk_GraceThenMercy(t *testing.T) {
	provider := &fakeProvider{call: reply("Grace is unmerited favor.")}
	o, store := setup(t, provider)

	first, err := o.Ask(context.Background(), "", "What is grace?")
	require.NoError(t, err)
	assert.Equal(t, "Grace is unmerited favor.", first.Text)
	assert.False(t, first.Fallback)
	require.NotEmpty(t, first.SessionID)

	req := provider.lastRequest()
	assert.Equal(t, "You explain the Bible.", req.SystemPrompt)
	assert.Equal(t, []agent.AgentMessage{{Role: "user", Content: "What is grace?"}}, req.Messages)

	provider.call = reply("Mercy is not receiving the punishment deserved.")
	second, err := o.Ask(context.Background(), first.SessionID, "And mercy?")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	assert.Equal(t, []agent.AgentMessage{
		{Role: "user", Content: "What is grace?"},
		{Role: "model", Content: "Grace is unmerited favor."},
		{Role: "user", Content: "And mercy?"},
	}, provider.lastRequest().Messages)

	assert.Equal(t, []string{
		"user:What is grace?",
		"model:Grace is unmerited favor.",
		"user:And mercy?",
		"model:Mercy is not receiving the punishment deserved.",
	}, roles(store.GetHistory(first.SessionID)))
}

func TestToMessages(t *testing.T) {
	history := []session.Turn{
		session.UserTurn("What is grace?"),
		session.ModelTurn("Unmerited favor."),
		session.UserTurn("And mercy?"),
	}

	got := toMessages(history)
	require.Len(t, got, 3)
	assert.Equal(t, agent.RoleUser, got[0].Role)
	assert.Equal(t, agent.RoleModel, got[1].Role)
	assert.Equal(t, agent.RoleUser, got[2].Role)
	assert.Equal(t, "Unmerited favor.", got[1].Content)
	assert.Empty(t, toMessages(nil))
}

func TestAsk_LogsEstimatedTokens(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })

	o, _ := setup(t, &fakeProvider{call: reply("ok")})
	_, err := o.Ask(context.Background(), "s1", "abcdefgh")
	require.NoError(t, err)

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] != "Calling provider" {
			continue
		}
		found = true
		assert.Equal(t, "s1", entry["session_id"])
		assert.EqualValues(t, 1, entry["history"])
		assert.EqualValues(t, 2, entry["estimated_tokens"])
	}
	assert.True(t, found)
}

func TestAsk_MintsDistinctSessions(t *testing.T) {
	o, store := setup(t, &fakeProvider{call: reply("ok")})

	a, err := o.Ask(context.Background(), "", "one")
	require.NoError(t, err)
	b, err := o.Ask(context.Background(), "", "two")
	require.NoError(t, err)

	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Equal(t, []string{"user:one", "model:ok"}, roles(store.GetHistory(a.SessionID)))
	assert.Equal(t, []string{"user:two", "model:ok"}, roles(store.GetHistory(b.SessionID)))
}

func TestAsk_UsesIDGenerator(t *testing.T) {
	o, _ := setup(t, &fakeProvider{call: reply("ok")}, WithIDGenerator(func() string { return "fixed-id" }))

	answer, err := o.Ask(context.Background(), "", "q")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", answer.SessionID)
}

func TestAsk_StatusErrorFallsBack(t *testing.T) {
	provider := &fakeProvider{call: failWith(&agent.StatusError{StatusCode: 500, Body: "internal"})}
	o, store := setup(t, provider)

	answer, err := o.Ask(context.Background(), "s1", "What is grace?")
	require.NoError(t, err)
	assert.Equal(t, FallbackMessage, answer.Text)
	assert.True(t, answer.Fallback)
	assert.Equal(t, "s1", answer.SessionID)
	assert.Equal(t, []string{"user:What is grace?"}, roles(store.GetHistory("s1")))
}

func TestAsk_UpstreamTimeoutFallsBack(t *testing.T) {
	provider := &fakeProvider{call: func(ctx context.Context, _ agent.LLMRequest) (*agent.LLMResponse, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("gemini request failed: %w", ctx.Err())
	}}
	o, store := setup(t, provider, WithUpstreamTimeout(20*time.Millisecond))

	answer, err := o.Ask(context.Background(), "s1", "slow?")
	require.NoError(t, err)
	assert.True(t, answer.Fallback)
	assert.Equal(t, FallbackMessage, answer.Text)
	assert.Len(t, store.GetHistory("s1"), 1)
}

func TestAsk_HardFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"transport", errors.New("dial tcp: connection refused")},
		{"malformed", fmt.Errorf("%w: 10 bytes", agent.ErrMalformedResponse)},
		{"missing key", agent.ErrMissingAPIKey},
		{"non-string candidate text", fmt.Errorf("%w: candidate text is an object", agent.ErrMalformedResponse)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, store := setup(t, &fakeProvider{call: failWith(tt.err)})

			answer, err := o.Ask(context.Background(), "s1", "q")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTurnFailed)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, "s1", answer.SessionID)
			assert.Equal(t, []string{"user:q"}, roles(store.GetHistory("s1")))
		})
	}
}

func TestAsk_PromptFailureIsHard(t *testing.T) {
	store := session.NewMemoryStore()
	provider := &fakeProvider{call: reply("unused")}
	o := New(store, provider, staticPrompt{err: errors.New("open Prompts/SystemPrompt.md: no such file")})
	defer o.Close()

	_, err := o.Ask(context.Background(), "s1", "q")
	assert.ErrorIs(t, err, ErrTurnFailed)
	assert.Empty(t, provider.requests)
}

func TestAsk_CallerCancellationIsHard(t *testing.T) {
	started := make(chan struct{})
	provider := &fakeProvider{call: func(ctx context.Context, _ agent.LLMRequest) (*agent.LLMResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o, _ := setup(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := o.Ask(ctx, "s1", "q")
	assert.ErrorIs(t, err, ErrTurnFailed)
}

func TestAsk_CallerDeadlineIsHard(t *testing.T) {
	provider := &fakeProvider{call: func(ctx context.Context, _ agent.LLMRequest) (*agent.LLMResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o, _ := setup(t, provider, WithUpstreamTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Ask(ctx, "s1", "q")
	assert.ErrorIs(t, err, ErrTurnFailed)
}

func TestAsk_EmptyTextReturnedButNotRecorded(t *testing.T) {
	o, store := setup(t, &fakeProvider{call: reply("")})

	answer, err := o.Ask(context.Background(), "s1", "q")
	require.NoError(t, err)
	assert.Equal(t, "", answer.Text)
	assert.False(t, answer.Fallback)
	assert.Equal(t, []string{"user:q"}, roles(store.GetHistory("s1")))
}

func TestAsk_SameSessionIsSerialized(t *testing.T) {
	var active, maxActive atomic.Int32
	provider := &fakeProvider{call: func(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return &agent.LLMResponse{Content: "answer to " + req.Messages[len(req.Messages)-1].Content}, nil
	}}
	o, store := setup(t, provider)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Ask(context.Background(), "shared", fmt.Sprintf("q%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())

	// every user turn is immediately followed by its own answer
	history := store.GetHistory("shared")
	require.Len(t, history, 12)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, session.RoleUser, history[i].Role)
		assert.Equal(t, session.RoleModel, history[i+1].Role)
		assert.Equal(t, "answer to "+history[i].Text, history[i+1].Text)
	}
}

func TestAsk_DifferentSessionsRunConcurrently(t *testing.T) {
	var barrier sync.WaitGroup
	barrier.Add(2)
	provider := &fakeProvider{call: func(ctx context.Context, _ agent.LLMRequest) (*agent.LLMResponse, error) {
		barrier.Done()
		barrier.Wait()
		return &agent.LLMResponse{Content: "ok"}, nil
	}}
	o, _ := setup(t, provider, WithUpstreamTimeout(2*time.Second))

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _ = o.Ask(context.Background(), id, "q")
			}(id)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("turns on different sessions were serialized")
	}
}

func TestReset(t *testing.T) {
	o, store := setup(t, &fakeProvider{call: reply("ok")})

	_, err := o.Ask(context.Background(), "s1", "q")
	require.NoError(t, err)

	existed, err := o.Reset(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Empty(t, store.GetHistory("s1"))
	assert.Equal(t, 0, o.Sessions())

	existed, err = o.Reset(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestAsk_WithGeminiProvider(t *testing.T) {
	t.Run("upstream 500 falls back", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		}))
		defer srv.Close()

		provider := agent.NewGeminiProvider(agent.GeminiConfig{APIKey: "k", BaseURL: srv.URL})
		o, store := setup(t, provider)

		answer, err := o.Ask(context.Background(), "s1", "What is grace?")
		require.NoError(t, err)
		assert.Equal(t, FallbackMessage, answer.Text)
		assert.Equal(t, []string{"user:What is grace?"}, roles(store.GetHistory("s1")))
	})

	t.Run("network failure is hard", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		provider := agent.NewGeminiProvider(agent.GeminiConfig{APIKey: "k", BaseURL: url})
		o, store := setup(t, provider)

		_, err := o.Ask(context.Background(), "s1", "What is grace?")
		assert.ErrorIs(t, err, ErrTurnFailed)
		assert.Len(t, store.GetHistory("s1"), 1)
	})

	t.Run("non-string text is hard and not recorded", func(t *testing.T) {
		for _, body := range []string{
			`{"candidates":[{"content":{"parts":[{"text":{"injected":true}}]}}]}`,
			`{"candidates":[{"content":{"parts":[{"text":42}]}}]}`,
		} {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
			}))

			provider := agent.NewGeminiProvider(agent.GeminiConfig{APIKey: "k", BaseURL: srv.URL})
			o, store := setup(t, provider)

			answer, err := o.Ask(context.Background(), "s1", "q")
			srv.Close()

			require.Error(t, err, body)
			assert.ErrorIs(t, err, ErrTurnFailed)
			assert.ErrorIs(t, err, agent.ErrMalformedResponse)
			assert.Empty(t, answer.Text)
			assert.Equal(t, []string{"user:q"}, roles(store.GetHistory("s1")))
		}
	})

	t.Run("success records answer", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Grace is unmerited favor."}]}}]}`))
		}))
		defer srv.Close()

		provider := agent.NewGeminiProvider(agent.GeminiConfig{APIKey: "k", BaseURL: srv.URL})
		o, store := setup(t, provider)

		answer, err := o.Ask(context.Background(), "", "What is grace?")
		require.NoError(t, err)
		assert.Equal(t, "Grace is unmerited favor.", answer.Text)
		assert.Len(t, store.GetHistory(answer.SessionID), 2)
	})
}
