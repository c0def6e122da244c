package dialog

import (
	"fmt"

	"go.uber.org/zap"

	"intent-bot-backend/internal/nlu"
	"intent-bot-backend/internal/store"
)

// FallbackDialog names the dialog that runs when no registered one matches.
const FallbackDialog = "*:/"

// DefaultThreshold is the minimum intent score a dialog trigger accepts.
const DefaultThreshold = 0.1

// Effects is what a dialog asks the dispatcher to do for the turn: send
// Replies in order and, if LogResults is set, record the recognition
// results as a telemetry event.
type Effects struct {
	Replies    []string
	LogResults bool
}

// Send appends a formatted reply.
func (e Effects) Send(format string, args ...any) Effects {
	e.Replies = append(e.Replies, fmt.Sprintf(format, args...))
	return e
}

// Handler runs a single-turn dialog. res is never nil for a registered dialog.
type Handler func(sess *store.Session, res *nlu.Result) Effects

// FallbackHandler runs when no dialog matched the turn.
type FallbackHandler func(sess *store.Session) Effects

// Trigger activates a dialog when the recognized top intent equals one of Intents.
type Trigger struct {
	Intents []string
}

// Matches is the trigger's predicate: an exact, case-sensitive comparison.
func (t Trigger) Matches(intent string) bool {
	for _, in := range t.Intents {
		if in == intent {
			return true
		}
	}
	return false
}

// MatchIntent is shorthand for a trigger on one or more intent names.
func MatchIntent(intents ...string) Trigger {
	return Trigger{Intents: intents}
}

type Entry struct {
	Name    string
	Trigger Trigger
	Handler Handler
}

// Builder collects dialogs at startup. When two registrations claim the same
// intent the later one wins.
type Builder struct {
	entries  []Entry
	byIntent map[string]int
	fallback FallbackHandler
	log      *zap.Logger
}

func NewBuilder(log *zap.Logger) *Builder {
	return &Builder{byIntent: make(map[string]int), log: log}
}

func (b *Builder) Register(name string, trigger Trigger, h Handler) *Builder {
	if h == nil {
		panic("dialog: nil handler for " + name)
	}
	b.entries = append(b.entries, Entry{Name: name, Trigger: trigger, Handler: h})
	idx := len(b.entries) - 1
	for _, intent := range trigger.Intents {
		if prev, ok := b.byIntent[intent]; ok {
			b.log.Warn("intent already registered, later dialog wins",
				zap.String("intent", intent),
				zap.String("previous", b.entries[prev].Name),
				zap.String("dialog", name),
			)
		}
		b.byIntent[intent] = idx
	}
	return b
}

// Fallback sets the handler for turns no dialog claims.
func (b *Builder) Fallback(h FallbackHandler) *Builder {
	b.fallback = h
	return b
}

// Build freezes the registered dialogs. A threshold <= 0 accepts any score.
func (b *Builder) Build(threshold float64) *Registry {
	r := &Registry{
		byIntent:  make(map[string]Entry, len(b.byIntent)),
		threshold: threshold,
		fallback:  b.fallback,
	}
	for intent, idx := range b.byIntent {
		r.byIntent[intent] = b.entries[idx]
	}
	if r.fallback == nil {
		r.fallback = func(*store.Session) Effects { return Effects{}.Send(DidNotUnderstand) }
	}
	return r
}

// DidNotUnderstand is the reply of the default fallback.
const DidNotUnderstand = "I didn't understand that!"

// Registry maps intents to dialogs. It is read-only after Build and safe for
// concurrent use.
type Registry struct {
	byIntent  map[string]Entry
	threshold float64
	fallback  FallbackHandler
}

// Resolve returns the dialog registered for the result's top intent, provided
// its score reaches the threshold.
func (r *Registry) Resolve(res *nlu.Result) (Entry, bool) {
	if res == nil || res.Intent == "" || res.Score < r.threshold {
		return Entry{}, false
	}
	e, ok := r.byIntent[res.Intent]
	if !ok || !e.Trigger.Matches(res.Intent) {
		return Entry{}, false
	}
	return e, true
}

func (r *Registry) Fallback() FallbackHandler { return r.fallback }

func (r *Registry) Threshold() float64 { return r.threshold }

// Intents lists every intent that has a dialog.
func (r *Registry) Intents() []string {
	out := make([]string, 0, len(r.byIntent))
	for intent := range r.byIntent {
		out = append(out, intent)
	}
	return out
}
