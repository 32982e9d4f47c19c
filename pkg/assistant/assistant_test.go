package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
	"github.com/mihaimyh/kinelink/storage/memory"
)

// fakeOpenAI serves /v1/chat/completions and records every request
type fakeOpenAI struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	reply    string
	status   int
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	status, reply := f.status, f.reply
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream overloaded","type":"server_error"}}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1767225600,
		"model":   req.Model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": reply},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func (f *fakeOpenAI) last() openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeOpenAI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestService(t *testing.T, fake *fakeOpenAI, mutate ...func(*Config)) (*Service, *memory.Storage) {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store := memory.New()
	cfg := Config{
		APIKey:  "sk-test",
		BaseURL: srv.URL + "/v1",
		Store:   store,
		Now:     func() time.Time { return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC) },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return svc, store
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(Config{APIKey: "sk"})
	assert.Error(t, err)

	_, err = NewService(Config{Store: memory.New()})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewService(Config{Store: memory.New(), APIKey: "sk", HistoryTurns: -1})
	assert.Error(t, err)

	svc, err := NewService(Config{Store: memory.New(), APIKey: "sk"})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, svc.model)
	assert.Equal(t, DefaultHistoryTurns, svc.historyTurns)
}

func TestReply_SendsSystemPromptAndHistory(t *testing.T) {
	fake := &fakeOpenAI{reply: "Try three sets of ten."}
	svc, _ := newTestService(t, fake)
	ctx := context.Background()

	first, err := svc.Reply(ctx, "c1", "kine1", "  How many reps for a knee rehab?  ")
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, first.Role)
	assert.Equal(t, "Try three sets of ten.", first.Content)

	req := fake.last()
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, "kine1", req.User)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "How many reps for a knee rehab?", req.Messages[1].Content)

	fake.reply = "Twice a day."
	_, err = svc.Reply(ctx, "c1", "kine1", "How often?")
	require.NoError(t, err)

	req = fake.last()
	require.Len(t, req.Messages, 4)
	assert.Equal(t, RoleUser, req.Messages[1].Role)
	assert.Equal(t, RoleAssistant, req.Messages[2].Role)
	assert.Equal(t, "Try three sets of ten.", req.Messages[2].Content)
	assert.Equal(t, "How often?", req.Messages[3].Content)

	turns, err := svc.History(ctx, "c1", "kine1")
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, "Twice a day.", turns[3].Content)
}

func TestReply_HistoryIsBounded(t *testing.T) {
	fake := &fakeOpenAI{reply: "ok"}
	svc, _ := newTestService(t, fake, func(c *Config) { c.HistoryTurns = 2 })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Reply(ctx, "c1", "kine1", "question")
		require.NoError(t, err)
	}

	// system + the last 2 stored turns + the new user message
	assert.Len(t, fake.last().Messages, 4)
}

func TestReply_ConversationsArePerKine(t *testing.T) {
	fake := &fakeOpenAI{reply: "ok"}
	svc, _ := newTestService(t, fake)
	ctx := context.Background()

	_, err := svc.Reply(ctx, "shared", "kine1", "private question")
	require.NoError(t, err)

	_, err = svc.History(ctx, "shared", "kine2")
	assert.ErrorIs(t, err, kinelink.ErrConversationNotFound)

	_, err = svc.Reply(ctx, "shared", "kine2", "hello")
	require.NoError(t, err)
	assert.Len(t, fake.last().Messages, 2)
}

func TestReply_Validation(t *testing.T) {
	fake := &fakeOpenAI{reply: "ok"}
	svc, _ := newTestService(t, fake)
	ctx := context.Background()

	tests := []struct {
		name           string
		conversationID string
		kineID         string
		text           string
		want           error
	}{
		{"blank message", "c1", "kine1", "   ", ErrEmptyMessage},
		{"too long", "c1", "kine1", strings.Repeat("é", MaxMessageLength+1), ErrMessageTooLong},
		{"no conversation", "", "kine1", "hi", ErrInvalidConversation},
		{"colon in conversation", "a:b", "kine1", "hi", ErrInvalidConversation},
		{"no kine", "c1", "", "hi", ErrInvalidConversation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Reply(ctx, tt.conversationID, tt.kineID, tt.text)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsClientError(err))
		})
	}
	assert.Equal(t, 0, fake.count())
}

func TestReply_UpstreamFailure(t *testing.T) {
	fake := &fakeOpenAI{status: http.StatusInternalServerError}
	svc, store := newTestService(t, fake)
	ctx := context.Background()

	_, err := svc.Reply(ctx, "c1", "kine1", "hello")
	assert.ErrorIs(t, err, ErrCompletionFailed)
	assert.False(t, IsClientError(err))

	// the question is kept, no assistant turn is stored
	turns, err := store.ListTurns(ctx, "kine1:c1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, RoleUser, turns[0].Role)
}

func TestReply_EmptyCompletion(t *testing.T) {
	fake := &fakeOpenAI{reply: ""}
	svc, _ := newTestService(t, fake)

	_, err := svc.Reply(context.Background(), "c1", "kine1", "hello")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

type brokenStore struct{ *memory.Storage }

func (brokenStore) ListTurns(context.Context, string, int) ([]kinelink.ConversationTurn, error) {
	return nil, kinelink.ErrStorageUnavailable
}

func TestReply_StorageFailure(t *testing.T) {
	fake := &fakeOpenAI{reply: "ok"}
	svc, _ := newTestService(t, fake, func(c *Config) { c.Store = brokenStore{memory.New()} })

	_, err := svc.Reply(context.Background(), "c1", "kine1", "hello")
	assert.True(t, errors.Is(err, kinelink.ErrStorageUnavailable))
	assert.Equal(t, 0, fake.count())
}
