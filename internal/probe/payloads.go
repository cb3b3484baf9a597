package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelprobe/modelprobe/internal/classify"
	"github.com/modelprobe/modelprobe/internal/failure"
)

// Test inputs per target type. Vision models get a public image; the probe
// only cares that the model answers, not what it says.
const (
	visionMessage  = "What's in this image?"
	visionImageURL = "https://upload.wikimedia.org/wikipedia/commons/thumb/d/dd/Gfp-wisconsin-madison-the-nature-boardwalk.jpg/320px-Gfp-wisconsin-madison-the-nature-boardwalk.jpg"
	imageGenPrompt = "a white cat"
	embeddingText  = "hello world"
)

// Probe issues the type-appropriate request for a target and interprets
// the response. A nil error means the model answered usably; otherwise the
// error carries a failure.Kind.
func (c *Client) Probe(ctx context.Context, target Target) (Result, error) {
	switch target.Type {
	case classify.TypeLanguage:
		return c.probeChat(ctx, target.ID, []chatMessage{{Role: "user", Content: c.message}})
	case classify.TypeVision:
		return c.probeChat(ctx, target.ID, []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: visionMessage},
				{Type: "image_url", ImageURL: &imageRef{URL: visionImageURL}},
			},
		}})
	case classify.TypeEmbedding:
		return c.probeEmbedding(ctx, target.ID)
	case classify.TypeImageGen:
		return c.probeImageGen(ctx, target.ID)
	case classify.TypeAudio:
		return c.probeAudio(ctx)
	default:
		// reranker, moderation, anything unclassified: bare connectivity.
		return c.probeConnectivity(ctx, target.ID)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) probeChat(ctx context.Context, model string, messages []chatMessage) (Result, error) {
	payload := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   100,
		Temperature: 0.7,
	}

	body, latency, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", payload)
	if err != nil {
		return Result{Latency: latency}, err
	}

	var resp chatResponse
	if err := unmarshalBody(body, &resp); err != nil {
		return Result{Latency: latency}, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Result{Latency: latency}, failure.New(failure.KindNoContent, "response carried no completion")
	}
	return Result{Latency: latency, Excerpt: excerpt(resp.Choices[0].Message.Content)}, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) probeEmbedding(ctx context.Context, model string) (Result, error) {
	body, latency, err := c.do(ctx, http.MethodPost, "/v1/embeddings", embeddingRequest{Model: model, Input: embeddingText})
	if err != nil {
		return Result{Latency: latency}, err
	}

	var resp embeddingResponse
	if err := unmarshalBody(body, &resp); err != nil {
		return Result{Latency: latency}, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return Result{Latency: latency}, failure.New(failure.KindNoData, "response carried no embedding")
	}
	return Result{Latency: latency, Excerpt: fmt.Sprintf("dim=%d", len(resp.Data[0].Embedding))}, nil
}

type imageGenRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageGenResponse struct {
	Data []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

func (c *Client) probeImageGen(ctx context.Context, model string) (Result, error) {
	payload := imageGenRequest{Model: model, Prompt: imageGenPrompt, N: 1, Size: "256x256"}
	body, latency, err := c.do(ctx, http.MethodPost, "/v1/images/generations", payload)
	if err != nil {
		return Result{Latency: latency}, err
	}

	var resp imageGenResponse
	if err := unmarshalBody(body, &resp); err != nil {
		return Result{Latency: latency}, err
	}
	if len(resp.Data) == 0 {
		return Result{Latency: latency}, failure.New(failure.KindNoData, "response carried no image")
	}
	return Result{Latency: latency, Excerpt: "image generated"}, nil
}

// probeAudio checks that either audio endpoint exists. OPTIONS keeps the
// probe cheap; 405 means the route is mounted but the method is not.
func (c *Client) probeAudio(ctx context.Context) (Result, error) {
	paths := []string{"/v1/audio/transcriptions", "/v1/audio/speech"}

	var lastErr error
	for _, path := range paths {
		status, latency, err := c.head(ctx, path)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusOK || status == http.StatusMethodNotAllowed {
			return Result{Latency: latency, Excerpt: "audio endpoint reachable"}, nil
		}
		lastErr = failure.New(failure.HTTPKind(status), "audio endpoint returned %d", status)
	}
	return Result{}, lastErr
}

func (c *Client) probeConnectivity(ctx context.Context, model string) (Result, error) {
	_, latency, err := c.do(ctx, http.MethodGet, "/v1/models/"+model, nil)
	if err != nil {
		return Result{Latency: latency}, err
	}
	return Result{Latency: latency, Excerpt: "reachable"}, nil
}

// head issues an OPTIONS request and reports the raw status; unlike do it
// does not treat non-2xx as an error.
func (c *Client) head(ctx context.Context, path string) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.baseURL+path, nil)
	if err != nil {
		return 0, 0, failure.New(failure.KindRequestFailed, "creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, c.timeout, failure.New(failure.KindTimeout, "no response within %s", c.timeout)
		}
		return 0, latency, failure.New(failure.KindConnection, "%v", err)
	}
	resp.Body.Close()
	return resp.StatusCode, latency, nil
}

// unmarshalBody decodes a 2xx body, mapping malformed JSON onto the
// taxonomy instead of surfacing a raw decode error.
func unmarshalBody(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return failure.New(failure.KindUnknown, "decoding response: %v", err)
	}
	return nil
}
