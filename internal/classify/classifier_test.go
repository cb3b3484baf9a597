package classify

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClassifyDefaults(t *testing.T) {
	c := New()

	tests := []struct {
		id   string
		want string
	}{
		{"gpt-4o", TypeLanguage},
		{"deepseek-chat", TypeLanguage},
		{"dall-e-3", TypeImageGen},
		{"FLUX.1-schnell", TypeImageGen},
		{"whisper-large-v3", TypeAudio},
		{"cosyvoice-300m", TypeAudio},
		{"text-embedding-3-small", TypeEmbedding},
		{"bge-m3", TypeEmbedding},
		{"bge-reranker-v2-m3", TypeReranker},
		{"omni-moderation-latest", TypeModerate},
		{"qwen2-vl-72b-instruct", TypeVision},
		{"glm-4v-plus", TypeVision},
		// Vision pattern hit but excluded by "embedding".
		{"qwen-vl-embedding", TypeEmbedding},
	}

	for _, tt := range tests {
		if got := c.Classify(tt.id); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	c := New()
	if got := c.Classify("DALL-E-2"); got != TypeImageGen {
		t.Errorf("Classify(DALL-E-2) = %q, want %q", got, TypeImageGen)
	}
}

func TestCounts(t *testing.T) {
	c := New()
	counts := c.Counts([]string{"gpt-4o", "claude-3-haiku", "dall-e-3", "bge-m3"})

	if counts[TypeLanguage] != 2 {
		t.Errorf("language count = %d, want 2", counts[TypeLanguage])
	}
	if counts[TypeImageGen] != 1 {
		t.Errorf("image_generation count = %d, want 1", counts[TypeImageGen])
	}
	if counts[TypeEmbedding] != 1 {
		t.Errorf("embedding count = %d, want 1", counts[TypeEmbedding])
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	content := `
embedding:
  patterns: ["custom-embed"]
audio:
  patterns: ["myvoice"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}

	if got := c.Classify("custom-embed-v1"); got != TypeEmbedding {
		t.Errorf("Classify(custom-embed-v1) = %q, want %q", got, TypeEmbedding)
	}
	// Default rules are replaced, not merged: whisper now falls through.
	if got := c.Classify("whisper-1"); got != TypeLanguage {
		t.Errorf("Classify(whisper-1) = %q, want %q", got, TypeLanguage)
	}
}

func TestFromFileMissing(t *testing.T) {
	if _, err := FromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("FromFile on missing file: want error")
	}
}
