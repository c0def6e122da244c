package nlu

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var currencyPattern = regexp.MustCompile(`(?i)[$€£]\s?\d+(?:[.,]\d+)?|\d+(?:[.,]\d+)?\s?(?:dollars?|euros?|pounds?|usd|eur|gbp)\b`)

// KeywordRecognizer matches catalog example phrases inside the utterance.
// It needs no network and is used for local runs and as a last resort.
type KeywordRecognizer struct {
	phrases map[string][]string
	order   []string
}

func NewKeywordRecognizer(c *Catalog) *KeywordRecognizer {
	k := &KeywordRecognizer{phrases: make(map[string][]string, len(c.Intents))}
	for _, in := range c.Intents {
		if _, seen := k.phrases[in.Name]; !seen {
			k.order = append(k.order, in.Name)
			k.phrases[in.Name] = nil
		}
		for _, ex := range in.Examples {
			if s := normalize(ex); s != "" {
				k.phrases[in.Name] = append(k.phrases[in.Name], s)
			}
		}
	}
	return k
}

// Recognize returns the first catalog intent (in declaration order) with a
// phrase contained in text.
func (k *KeywordRecognizer) Recognize(_ context.Context, text string) (*Result, error) {
	trimmed := strings.TrimSpace(text)
	m := normalize(trimmed)
	res := &Result{Query: text, Intent: NoneIntent}
	if m == "" {
		return res, nil
	}
	for _, name := range k.order {
		if containsAny(m, k.phrases[name]) {
			res.Intent = name
			res.Score = 1
			break
		}
	}
	res.Intents = []Intent{{Name: res.Intent, Score: res.Score}}
	if loc := currencyPattern.FindStringIndex(trimmed); loc != nil {
		// LUIS reports character positions with an inclusive end.
		value := trimmed[loc[0]:loc[1]]
		start := utf8.RuneCountInString(trimmed[:loc[0]])
		res.Entities = append(res.Entities, Entity{
			Type:       EntityCurrency,
			Value:      value,
			StartIndex: start,
			EndIndex:   start + utf8.RuneCountInString(value) - 1,
			Score:      1,
		})
	}
	return res, nil
}

// normalize lowercases s and reduces it to space separated words.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// containsAny reports whether any needle occurs in s on word boundaries.
func containsAny(s string, needles []string) bool {
	padded := " " + s + " "
	for _, n := range needles {
		if strings.Contains(padded, " "+n+" ") {
			return true
		}
	}
	return false
}
