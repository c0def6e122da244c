package nlu

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog describes the intents and entities the bot's model knows about.
// It feeds the prompt of the LLM recognizer and the phrases of the keyword
// recognizer.
type Catalog struct {
	System  string `yaml:"system"`
	Intents []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Examples    []string `yaml:"examples"`
	} `yaml:"intents"`
	Entities []struct {
		Type        string `yaml:"type"`
		Description string `yaml:"description"`
	} `yaml:"entities"`
	Style struct {
		Temperature float32 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"style"`
}

func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(b)
}

func ParseCatalog(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse intent catalog: %w", err)
	}
	if len(c.Intents) == 0 {
		return nil, fmt.Errorf("intent catalog has no intents")
	}
	return &c, nil
}

// IntentNames lists the catalog intents in declaration order.
func (c *Catalog) IntentNames() []string {
	out := make([]string, 0, len(c.Intents))
	for _, in := range c.Intents {
		out = append(out, in.Name)
	}
	return out
}
