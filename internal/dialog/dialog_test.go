package dialog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"intent-bot-backend/internal/nlu"
	"intent-bot-backend/internal/store"
	"intent-bot-backend/internal/telemetry"
	"intent-bot-backend/internal/types"
)

type fakeRecognizer struct {
	res *nlu.Result
	err error
}

func (f fakeRecognizer) Recognize(context.Context, string) (*nlu.Result, error) {
	return f.res, f.err
}

type bufferSender struct {
	replies []string
	err     error
}

func (b *bufferSender) Send(_ context.Context, text string) error {
	if b.err != nil {
		return b.err
	}
	b.replies = append(b.replies, text)
	return nil
}

type failingStore struct {
	store.Store
	loadErr, saveErr error
}

func (f failingStore) Load(ctx context.Context, id string) (*store.Session, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.Store.Load(ctx, id)
}

func (f failingStore) Save(ctx context.Context, s *store.Session) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Store.Save(ctx, s)
}

type captureSink struct {
	mu     sync.Mutex
	events []telemetry.Event
	err    error
}

func (c *captureSink) Track(_ context.Context, ev telemetry.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func reply(text string) Handler {
	return func(*store.Session, *nlu.Result) Effects { return Effects{}.Send(text) }
}

func testRegistry() *Registry {
	return NewBuilder(zap.NewNop()).
		Register("GreetingDialog", MatchIntent("Greeting"), reply("hello")).
		Register("BalanceDialog", MatchIntent("Balance", "Card balance"), reply("balance")).
		Build(DefaultThreshold)
}

func activity(conv, text string) types.Activity {
	return types.Activity{
		Type:         types.ActivityMessage,
		ID:           "act-1",
		ChannelID:    "test",
		From:         types.ChannelAccount{ID: "user-1", Name: "Ann"},
		Recipient:    types.ChannelAccount{ID: "bot"},
		Conversation: types.ConversationAccount{ID: conv},
		Text:         text,
	}
}

func TestResolve(t *testing.T) {
	r := testRegistry()

	tests := []struct {
		name   string
		res    *nlu.Result
		dialog string
		ok     bool
	}{
		{"registered intent", &nlu.Result{Intent: "Greeting", Score: 0.9}, "GreetingDialog", true},
		{"second trigger intent", &nlu.Result{Intent: "Card balance", Score: 0.5}, "BalanceDialog", true},
		{"at threshold", &nlu.Result{Intent: "Greeting", Score: DefaultThreshold}, "GreetingDialog", true},
		{"below threshold", &nlu.Result{Intent: "Greeting", Score: 0.05}, "", false},
		{"unregistered intent", &nlu.Result{Intent: "None", Score: 0.99}, "", false},
		{"case sensitive", &nlu.Result{Intent: "greeting", Score: 0.99}, "", false},
		{"nil result", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := r.Resolve(tt.res)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.dialog, e.Name)
		})
	}
}

func TestDuplicateIntentLastRegistrationWins(t *testing.T) {
	r := NewBuilder(zap.NewNop()).
		Register("First", MatchIntent("Greeting"), reply("first")).
		Register("Second", MatchIntent("Greeting"), reply("second")).
		Build(0)

	for i := 0; i < 50; i++ {
		e, ok := r.Resolve(&nlu.Result{Intent: "Greeting", Score: 1})
		require.True(t, ok)
		assert.Equal(t, "Second", e.Name)
	}
	assert.Equal(t, []string{"Greeting"}, r.Intents())
}

func TestDuplicateIntentKeepsOtherTriggersOfEarlierDialog(t *testing.T) {
	r := NewBuilder(zap.NewNop()).
		Register("First", MatchIntent("A", "B"), reply("first")).
		Register("Second", MatchIntent("B"), reply("second")).
		Build(0)

	e, ok := r.Resolve(&nlu.Result{Intent: "A", Score: 1})
	require.True(t, ok)
	assert.Equal(t, "First", e.Name)
	e, ok = r.Resolve(&nlu.Result{Intent: "B", Score: 1})
	require.True(t, ok)
	assert.Equal(t, "Second", e.Name)
}

func TestRegisterNilHandlerPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewBuilder(zap.NewNop()).Register("Broken", MatchIntent("X"), nil)
	})
}

func TestDefaultFallback(t *testing.T) {
	r := NewBuilder(zap.NewNop()).Build(0)
	eff := r.Fallback()(store.NewSession("c"))
	assert.Equal(t, []string{DidNotUnderstand}, eff.Replies)
}

func TestHandleTurnRoutesToRegisteredDialog(t *testing.T) {
	st := store.NewMemoryStore(0)
	d := NewDispatcher(
		fakeRecognizer{res: &nlu.Result{Intent: "Greeting", Score: 0.8}},
		testRegistry(), st, nil, 0, zap.NewNop(),
	)
	out := &bufferSender{}

	tr, err := d.HandleTurn(context.Background(), activity("c1", "hi"), out)
	require.NoError(t, err)
	assert.Equal(t, "GreetingDialog", tr.Dialog)
	assert.Equal(t, "Greeting", tr.Intent.Name)
	assert.Equal(t, []string{"hello"}, out.replies)

	sess, err := st.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)
	assert.Equal(t, "Greeting", sess.LastIntent)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Empty(t, sess.DialogStack)
}

func TestHandleTurnFallback(t *testing.T) {
	tests := []struct {
		name string
		rec  fakeRecognizer
	}{
		{"recognizer error", fakeRecognizer{err: errors.New("timeout")}},
		{"low confidence", fakeRecognizer{res: &nlu.Result{Intent: "Greeting", Score: 0.01}}},
		{"unknown intent", fakeRecognizer{res: &nlu.Result{Intent: "None", Score: 0.9}}},
		{"nil result", fakeRecognizer{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(tt.rec, testRegistry(), store.NewMemoryStore(0), nil, 0, zap.NewNop())
			out := &bufferSender{}
			tr, err := d.HandleTurn(context.Background(), activity("c1", "???"), out)
			require.NoError(t, err)
			assert.Equal(t, FallbackDialog, tr.Dialog)
			assert.Equal(t, []string{DidNotUnderstand}, out.replies)
		})
	}
}

func TestHandleTurnSeesDialogActiveOnlyDuringHandler(t *testing.T) {
	var active string
	r := NewBuilder(zap.NewNop()).
		Register("Inspect", MatchIntent("Inspect"), func(sess *store.Session, _ *nlu.Result) Effects {
			active = sess.ActiveDialog()
			assert.Equal(t, "inspect text", sess.Message.Text)
			return Effects{}
		}).
		Build(0)
	st := store.NewMemoryStore(0)
	d := NewDispatcher(fakeRecognizer{res: &nlu.Result{Intent: "Inspect", Score: 1}}, r, st, nil, 0, zap.NewNop())

	_, err := d.HandleTurn(context.Background(), activity("c1", "inspect text"), &bufferSender{})
	require.NoError(t, err)
	assert.Equal(t, "Inspect", active)

	sess, err := st.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "", sess.ActiveDialog())
}

func TestHandleTurnStorageErrors(t *testing.T) {
	rec := fakeRecognizer{res: &nlu.Result{Intent: "Greeting", Score: 1}}

	d := NewDispatcher(rec, testRegistry(), failingStore{Store: store.NewMemoryStore(0), loadErr: errors.New("table offline")}, nil, 0, zap.NewNop())
	out := &bufferSender{}
	_, err := d.HandleTurn(context.Background(), activity("c1", "hi"), out)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, out.replies)

	d = NewDispatcher(rec, testRegistry(), failingStore{Store: store.NewMemoryStore(0), saveErr: errors.New("table offline")}, nil, 0, zap.NewNop())
	_, err = d.HandleTurn(context.Background(), activity("c1", "hi"), &bufferSender{})
	assert.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "table offline")
}

func TestHandleTurnDeliveryErrorSkipsSave(t *testing.T) {
	st := store.NewMemoryStore(0)
	d := NewDispatcher(fakeRecognizer{res: &nlu.Result{Intent: "Greeting", Score: 1}}, testRegistry(), st, nil, 0, zap.NewNop())

	_, err := d.HandleTurn(context.Background(), activity("c1", "hi"), &bufferSender{err: errors.New("connector down")})
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Zero(t, st.Len())
}

func TestHandleTurnRequiresConversation(t *testing.T) {
	d := NewDispatcher(fakeRecognizer{}, testRegistry(), store.NewMemoryStore(0), nil, 0, zap.NewNop())
	_, err := d.HandleTurn(context.Background(), activity("", "hi"), &bufferSender{})
	assert.ErrorIs(t, err, ErrBadActivity)
}

func TestHandleTurnTracksResultsWhenAsked(t *testing.T) {
	r := NewBuilder(zap.NewNop()).
		Register("Logged", MatchIntent("Logged"), func(*store.Session, *nlu.Result) Effects {
			return Effects{LogResults: true}.Send("ok")
		}).
		Register("Quiet", MatchIntent("Quiet"), reply("ok")).
		Build(0)
	sink := &captureSink{err: errors.New("ingestion down")}
	res := &nlu.Result{
		Query:    "send $50",
		Intent:   "Logged",
		Score:    0.75,
		Entities: []nlu.Entity{{Type: "builtin.currency", Value: "$50"}},
	}

	d := NewDispatcher(fakeRecognizer{res: res}, r, store.NewMemoryStore(0), sink, 0, zap.NewNop())
	out := &bufferSender{}
	_, err := d.HandleTurn(context.Background(), activity("c1", "send $50"), out)
	require.NoError(t, err, "telemetry failure must not fail the turn")
	assert.Equal(t, []string{"ok"}, out.replies)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, ResultsEvent, ev.Name)
	assert.Equal(t, "send $50", ev.Properties["LUIS_text"])
	assert.Equal(t, "c1", ev.Properties["LUIS_conversation_id"])
	assert.Equal(t, "Ann", ev.Properties["LUIS_from_name"])
	assert.Equal(t, "Logged", ev.Properties["LUIS_intent_intent"])
	assert.Equal(t, 0.75, ev.Properties["LUIS_intent_score"])
	assert.Equal(t, "$50", ev.Properties["LUIS_intent_entities_0_entity"])
	assert.Equal(t, "builtin.currency", ev.Properties["LUIS_intent_entities_0_type"])

	d = NewDispatcher(fakeRecognizer{res: &nlu.Result{Intent: "Quiet", Score: 1}}, r, store.NewMemoryStore(0), sink, 0, zap.NewNop())
	_, err = d.HandleTurn(context.Background(), activity("c2", "x"), &bufferSender{})
	require.NoError(t, err)
	assert.Len(t, sink.events, 1)
}

func TestHandleTurnConcurrentConversationsAreIsolated(t *testing.T) {
	st := store.NewMemoryStore(0)
	d := NewDispatcher(fakeRecognizer{res: &nlu.Result{Intent: "Greeting", Score: 1}}, testRegistry(), st, nil, 0, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(conv string) {
			defer wg.Done()
			for n := 0; n < 5; n++ {
				_, err := d.HandleTurn(context.Background(), activity(conv, "hi"), &bufferSender{})
				assert.NoError(t, err)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		sess, err := st.Load(context.Background(), string(rune('a'+i)))
		require.NoError(t, err)
		assert.Equal(t, 5, sess.TurnCount)
	}
}
