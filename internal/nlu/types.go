package nlu

import "context"

// NoneIntent is what recognizers report when nothing in the catalog matched.
const NoneIntent = "None"

// Entity type tags produced by LUIS prebuilt and domain models.
const (
	EntityCurrency    = "builtin.currency"
	EntityContactName = "Communication.ContactName"
)

// Recognizer classifies an utterance. Implementations talk to an external
// NLU service; callers treat any error as "no intent recognized".
type Recognizer interface {
	Recognize(ctx context.Context, text string) (*Result, error)
}

type Intent struct {
	Name  string  `json:"intent"`
	Score float64 `json:"score"`
}

type Entity struct {
	Type       string         `json:"type"`
	Value      string         `json:"entity"`
	StartIndex int            `json:"startIndex"`
	EndIndex   int            `json:"endIndex"`
	Score      float64        `json:"score,omitempty"`
	Resolution map[string]any `json:"resolution,omitempty"`
}

// Result is the outcome of recognizing one utterance. It is read-only once
// returned and lives for a single turn.
type Result struct {
	Query    string   `json:"query"`
	Intent   string   `json:"intent"`
	Score    float64  `json:"score"`
	Intents  []Intent `json:"intents,omitempty"`
	Entities []Entity `json:"entities,omitempty"`
}

// Top returns the winning intent, or the None intent for a nil result.
func (r *Result) Top() Intent {
	if r == nil || r.Intent == "" {
		return Intent{Name: NoneIntent}
	}
	return Intent{Name: r.Intent, Score: r.Score}
}

// FindEntity returns the first entity whose type equals typ.
func FindEntity(entities []Entity, typ string) (Entity, bool) {
	for _, e := range entities {
		if e.Type == typ {
			return e, true
		}
	}
	return Entity{}, false
}

// FindEntity looks up typ among the result's entities. A nil result has none.
func (r *Result) FindEntity(typ string) (Entity, bool) {
	if r == nil {
		return Entity{}, false
	}
	return FindEntity(r.Entities, typ)
}
