// Package classify maps model IDs to type tags using keyword patterns.
package classify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Type tags assigned to models. Language is the default when nothing matches.
const (
	TypeLanguage  = "language"
	TypeVision    = "vision"
	TypeAudio     = "audio"
	TypeEmbedding = "embedding"
	TypeImageGen  = "image_generation"
	TypeReranker  = "reranker"
	TypeModerate  = "moderation"
)

// Rule holds the substring patterns for one type tag. A model matches when
// its lowercased ID contains any pattern and none of the excludes.
type Rule struct {
	Patterns []string `yaml:"patterns"`
	Exclude  []string `yaml:"exclude,omitempty"`
}

// checkOrder is the priority in which categories are tested. Earlier
// categories win: "qwen-vl-embedding" is an embedding, not a vision model.
var checkOrder = []string{TypeImageGen, TypeAudio, TypeEmbedding, TypeReranker, TypeModerate, TypeVision}

func defaultRules() map[string]Rule {
	return map[string]Rule{
		TypeImageGen: {
			Patterns: []string{
				"dall-e", "flux", "stable-diffusion", "dreamshaper",
				"kolors", "cogview", "seedream", "seedance",
				"seededit", "t2i", "i2i", "t2v", "i2v",
			},
		},
		TypeAudio: {
			Patterns: []string{
				"whisper", "tts", "speech", "audio", "cosyvoice",
				"fish-speech", "teletts", "teleaudio", "teleasr",
				"sensevoice", "gpt-sovits", "rvc",
			},
		},
		TypeEmbedding: {
			Patterns: []string{"embedding", "bge-m3", "bge-large"},
		},
		TypeReranker: {
			Patterns: []string{"reranker"},
		},
		TypeModerate: {
			Patterns: []string{"moderation"},
		},
		TypeVision: {
			Patterns: []string{
				"-vl", "qwen-image", "internvl", "qvq", "glm-4v",
				"llama-vision", "molmo", "aria", "qwen-vl",
			},
			Exclude: []string{"embedding"},
		},
	}
}

// Classifier assigns type tags to model IDs.
type Classifier struct {
	rules map[string]Rule
}

// New creates a Classifier with the built-in rule table.
func New() *Classifier {
	return &Classifier{rules: defaultRules()}
}

// FromFile loads a YAML rule table, replacing the defaults entirely.
func FromFile(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}
	var rules map[string]Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing pattern file %s: %w", path, err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("pattern file %s defines no rules", path)
	}
	return &Classifier{rules: rules}, nil
}

// Classify returns the type tag for a model ID.
func (c *Classifier) Classify(modelID string) string {
	id := strings.ToLower(modelID)

	for _, category := range checkOrder {
		rule, ok := c.rules[category]
		if !ok {
			continue
		}
		if !matchesAny(id, rule.Patterns) {
			continue
		}
		if matchesAny(id, rule.Exclude) {
			continue
		}
		return category
	}
	return TypeLanguage
}

// Counts tallies type tags over a set of model IDs, for the report header.
func (c *Classifier) Counts(modelIDs []string) map[string]int {
	counts := make(map[string]int)
	for _, id := range modelIDs {
		counts[c.Classify(id)]++
	}
	return counts
}

func matchesAny(id string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(id, p) {
			return true
		}
	}
	return false
}
