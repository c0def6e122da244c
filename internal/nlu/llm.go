package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"intent-bot-backend/internal/metrics"
)

// ChatCompleter is the part of the OpenAI client the LLM recognizer needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMRecognizer asks a chat model to classify an utterance against the catalog.
type LLMRecognizer struct {
	catalog *Catalog
	client  ChatCompleter
	model   string
	log     *zap.Logger
}

func NewLLMRecognizer(c *Catalog, client ChatCompleter, model string, log *zap.Logger) *LLMRecognizer {
	return &LLMRecognizer{catalog: c, client: client, model: model, log: log}
}

type llmClassification struct {
	Intent   string  `json:"intent"`
	Score    float64 `json:"score"`
	Entities []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"entities"`
}

func (l *LLMRecognizer) prompt() string {
	var b strings.Builder
	b.WriteString(l.catalog.System)
	b.WriteString("\n\nIntents:\n")
	for _, in := range l.catalog.Intents {
		fmt.Fprintf(&b, "- %q: %s", in.Name, in.Description)
		if len(in.Examples) > 0 {
			fmt.Fprintf(&b, " (e.g. %s)", strings.Join(in.Examples, "; "))
		}
		b.WriteString("\n")
	}
	if len(l.catalog.Entities) > 0 {
		b.WriteString("\nEntity types:\n")
		for _, e := range l.catalog.Entities {
			fmt.Fprintf(&b, "- %q: %s\n", e.Type, e.Description)
		}
	}
	fmt.Fprintf(&b, "\nIf no intent fits use %q. Output ONLY a JSON object: "+
		`{"intent": string, "score": number between 0 and 1, "entities": [{"type": string, "value": string}]}`+"\n", NoneIntent)
	return b.String()
}

func (l *LLMRecognizer) Recognize(ctx context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return &Result{Intent: NoneIntent}, nil
	}
	temp := l.catalog.Style.Temperature
	if temp <= 0 {
		temp = 0.1
	}
	maxTok := l.catalog.Style.MaxTokens
	if maxTok <= 0 {
		maxTok = 200
	}

	start := time.Now()
	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       l.model,
		Temperature: temp,
		MaxTokens:   maxTok,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: l.prompt()},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	metrics.RecognizerLatency.WithLabelValues("openai").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RecognizerErrors.WithLabelValues("openai").Inc()
		return nil, err
	}
	if len(resp.Choices) == 0 {
		metrics.RecognizerErrors.WithLabelValues("openai").Inc()
		return nil, fmt.Errorf("no choices")
	}
	out, err := parseClassification(resp.Choices[0].Message.Content)
	if err != nil {
		metrics.RecognizerErrors.WithLabelValues("openai").Inc()
		return nil, err
	}
	l.log.Debug("llm classified utterance", zap.String("intent", out.Intent), zap.Float64("score", out.Score))

	res := &Result{Query: text, Intent: out.Intent, Score: out.Score}
	if res.Intent == "" {
		res.Intent = NoneIntent
	}
	res.Intents = []Intent{{Name: res.Intent, Score: res.Score}}
	for _, e := range out.Entities {
		ent := Entity{Type: e.Type, Value: e.Value, StartIndex: -1, EndIndex: -1}
		if i := strings.Index(text, e.Value); i >= 0 && e.Value != "" {
			ent.StartIndex = i
			ent.EndIndex = i + len(e.Value) - 1
		}
		res.Entities = append(res.Entities, ent)
	}
	return res, nil
}

// parseClassification decodes the model output, tolerating prose around the
// JSON object.
func parseClassification(raw string) (*llmClassification, error) {
	var out llmClassification
	err := json.Unmarshal([]byte(raw), &out)
	if err == nil {
		return &out, nil
	}
	first := strings.IndexByte(raw, '{')
	last := strings.LastIndexByte(raw, '}')
	if first < 0 || last <= first {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	if err2 := json.Unmarshal([]byte(raw[first:last+1]), &out); err2 != nil {
		return nil, fmt.Errorf("decode classification: %w", err2)
	}
	return &out, nil
}
