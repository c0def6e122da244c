package nlu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	_, file, _, _ := runtime.Caller(0)
	c, err := LoadCatalog(filepath.Join(filepath.Dir(file), "..", "..", "prompts", "intents.yaml"))
	require.NoError(t, err)
	return c
}

func TestFindEntity(t *testing.T) {
	entities := []Entity{{Type: "currency", Value: "$50"}}

	got, ok := FindEntity(entities, "currency")
	require.True(t, ok)
	assert.Equal(t, "$50", got.Value)

	_, ok = FindEntity(entities, "contact-name")
	assert.False(t, ok)

	_, ok = FindEntity(nil, "currency")
	assert.False(t, ok)
}

func TestFindEntityReturnsFirstMatch(t *testing.T) {
	res := &Result{Entities: []Entity{
		{Type: EntityContactName, Value: "ann"},
		{Type: EntityCurrency, Value: "$5"},
		{Type: EntityCurrency, Value: "$7"},
	}}
	got, ok := res.FindEntity(EntityCurrency)
	require.True(t, ok)
	assert.Equal(t, "$5", got.Value)

	var none *Result
	_, ok = none.FindEntity(EntityCurrency)
	assert.False(t, ok)
	assert.Equal(t, NoneIntent, none.Top().Name)
}

func TestParseCatalogRejectsEmpty(t *testing.T) {
	_, err := ParseCatalog([]byte("system: hi\n"))
	assert.Error(t, err)

	c, err := ParseCatalog([]byte("intents:\n  - name: Greeting\n    examples: [hello]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Greeting"}, c.IntentNames())
}

func TestKeywordRecognizer(t *testing.T) {
	k := NewKeywordRecognizer(loadTestCatalog(t))
	ctx := context.Background()

	tests := []struct {
		text   string
		intent string
	}{
		{"Hello there!", "Greeting"},
		{"which card is this", NoneIntent},
		{"What's the balance on my card?", "Check the bank card Balance"},
		{"I want to change my password", "Modify password"},
		{"let me talk to a person please", "Agent transfer"},
		{"Send money to Ann", "Money Transfer"},
		{"", NoneIntent},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			res, err := k.Recognize(ctx, tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.intent, res.Intent)
			if tt.intent == NoneIntent {
				assert.Zero(t, res.Score)
			} else {
				assert.Equal(t, 1.0, res.Score)
			}
		})
	}
}

func TestKeywordRecognizerExtractsCurrency(t *testing.T) {
	k := NewKeywordRecognizer(loadTestCatalog(t))
	res, err := k.Recognize(context.Background(), "  transfer $50 to Bob")
	require.NoError(t, err)
	assert.Equal(t, "Money Transfer", res.Intent)
	money, ok := res.FindEntity(EntityCurrency)
	require.True(t, ok)
	assert.Equal(t, "$50", money.Value)
	assert.Equal(t, 9, money.StartIndex)
	assert.Equal(t, 11, money.EndIndex)
}

func newLUISServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, srv.URL + "/luis/v2.0/apps/app-1?subscription-key=key-1"
}

func TestLUISRecognizer(t *testing.T) {
	_, modelURL := newLUISServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/luis/v2.0/apps/app-1", r.URL.Path)
		assert.Equal(t, "key-1", r.URL.Query().Get("subscription-key"))
		assert.Equal(t, "send $50 to ann", r.URL.Query().Get("q"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"query":            "send $50 to ann",
			"topScoringIntent": map[string]any{"intent": "Money Transfer", "score": 0.93},
			"intents": []map[string]any{
				{"intent": "Money Transfer", "score": 0.93},
				{"intent": "None", "score": 0.04},
			},
			"entities": []map[string]any{
				{"entity": "$50", "type": "builtin.currency", "startIndex": 5, "endIndex": 7,
					"resolution": map[string]any{"unit": "Dollar", "value": "50"}},
				{"entity": "ann", "type": "Communication.ContactName", "startIndex": 12, "endIndex": 14, "score": 0.8},
			},
		})
	})
	l := NewLUISRecognizer(modelURL, LUISOptions{}, zap.NewNop())

	res, err := l.Recognize(context.Background(), "send $50 to ann")
	require.NoError(t, err)
	assert.Equal(t, "Money Transfer", res.Intent)
	assert.InDelta(t, 0.93, res.Score, 1e-9)
	require.Len(t, res.Intents, 2)
	require.Len(t, res.Entities, 2)
	name, ok := res.FindEntity(EntityContactName)
	require.True(t, ok)
	assert.Equal(t, "ann", name.Value)
	money, ok := res.FindEntity(EntityCurrency)
	require.True(t, ok)
	assert.Equal(t, "50", money.Resolution["value"])
}

func TestLUISRecognizerPicksBestIntentWithoutTopScoring(t *testing.T) {
	_, modelURL := newLUISServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"query":"hi","intents":[{"intent":"None","score":0.2},{"intent":"Greeting","score":0.7}],"entities":[]}`))
	})
	res, err := NewLUISRecognizer(modelURL, LUISOptions{}, zap.NewNop()).Recognize(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Greeting", res.Intent)
	assert.InDelta(t, 0.7, res.Score, 1e-9)
}

func TestLUISRecognizerRetriesServerErrors(t *testing.T) {
	var calls int32
	_, modelURL := newLUISServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"query":"hi","topScoringIntent":{"intent":"Greeting","score":0.9}}`))
	})
	l := NewLUISRecognizer(modelURL, LUISOptions{MaxRetries: 3, InitialBackoff: time.Millisecond}, zap.NewNop())

	res, err := l.Recognize(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Greeting", res.Intent)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestLUISRecognizerDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	_, modelURL := newLUISServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	})
	l := NewLUISRecognizer(modelURL, LUISOptions{MaxRetries: 3, InitialBackoff: time.Millisecond}, zap.NewNop())

	_, err := l.Recognize(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestLUISRecognizerSkipsEmptyText(t *testing.T) {
	_, modelURL := newLUISServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("endpoint should not be called")
	})
	res, err := NewLUISRecognizer(modelURL, LUISOptions{}, zap.NewNop()).Recognize(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, NoneIntent, res.Intent)
}

type fakeCompleter struct {
	content string
	err     error
	req     openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: f.content}},
	}}, nil
}

func TestLLMRecognizer(t *testing.T) {
	fc := &fakeCompleter{content: "Sure: {\"intent\":\"Money Transfer\",\"score\":0.88,\"entities\":[{\"type\":\"builtin.currency\",\"value\":\"$20\"}]}"}
	l := NewLLMRecognizer(loadTestCatalog(t), fc, "gpt-4o-mini", zap.NewNop())

	res, err := l.Recognize(context.Background(), "wire $20 to my brother")
	require.NoError(t, err)
	assert.Equal(t, "Money Transfer", res.Intent)
	assert.InDelta(t, 0.88, res.Score, 1e-9)
	money, ok := res.FindEntity(EntityCurrency)
	require.True(t, ok)
	assert.Equal(t, "$20", money.Value)
	assert.Equal(t, 5, money.StartIndex)

	require.Len(t, fc.req.Messages, 2)
	assert.Contains(t, fc.req.Messages[0].Content, `"Modify password"`)
	assert.Equal(t, "wire $20 to my brother", fc.req.Messages[1].Content)
}

func TestLLMRecognizerRejectsGarbage(t *testing.T) {
	l := NewLLMRecognizer(loadTestCatalog(t), &fakeCompleter{content: "no idea"}, "m", zap.NewNop())
	_, err := l.Recognize(context.Background(), "hello")
	assert.Error(t, err)
}

func TestLUISBreakerIgnoresCancelledCallers(t *testing.T) {
	_, modelURL := newLUISServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"query":"hi","topScoringIntent":{"intent":"Greeting","score":0.9}}`))
	})
	l := NewLUISRecognizer(modelURL, LUISOptions{InitialBackoff: time.Millisecond}, zap.NewNop())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		_, err := l.Recognize(cancelled, "hi")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	}

	res, err := l.Recognize(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Greeting", res.Intent)
}

func TestLUISBreakerOpensOnServerFailures(t *testing.T) {
	var calls int32
	_, modelURL := newLUISServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	})
	l := NewLUISRecognizer(modelURL, LUISOptions{MaxRetries: 1, InitialBackoff: time.Millisecond}, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := l.Recognize(context.Background(), "hi")
		require.Error(t, err)
	}
	before := atomic.LoadInt32(&calls)
	_, err := l.Recognize(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, before, atomic.LoadInt32(&calls))
}

func TestKeywordRecognizerCurrencyUsesCharacterOffsets(t *testing.T) {
	k := NewKeywordRecognizer(loadTestCatalog(t))
	res, err := k.Recognize(context.Background(), "pay €50 to Zoë")
	require.NoError(t, err)
	money, ok := res.FindEntity(EntityCurrency)
	require.True(t, ok)
	assert.Equal(t, "€50", money.Value)
	assert.Equal(t, 4, money.StartIndex)
	assert.Equal(t, 6, money.EndIndex)

	res, err = k.Recognize(context.Background(), "café bill £7")
	require.NoError(t, err)
	money, ok = res.FindEntity(EntityCurrency)
	require.True(t, ok)
	assert.Equal(t, 10, money.StartIndex)
	assert.Equal(t, 11, money.EndIndex)
}
