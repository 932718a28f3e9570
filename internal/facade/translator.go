package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"holt.is/bulwark/internal/policy"
)

// Translator is the external natural-language-to-policy endpoint. It
// produces a draft rule document; the facade validates and renders the
// draft like any other input. The translator's output is never executed
// as text.
type Translator interface {
	Translate(ctx context.Context, text string) (policy.Rule, string, error)
}

// HTTPTranslator posts to an inference endpoint returning a draft rule
// document.
type HTTPTranslator struct {
	url    string
	client *http.Client
}

// NewHTTPTranslator creates a translator client.
func NewHTTPTranslator(url string, timeout time.Duration) *HTTPTranslator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTranslator{url: url, client: &http.Client{Timeout: timeout}}
}

type translateRequest struct {
	Text string `json:"text"`
}

type translateResponse struct {
	Rule        policy.Rule `json:"rule"`
	Explanation string      `json:"explanation"`
}

// Translate returns the draft rule and the model's explanation.
func (t *HTTPTranslator) Translate(ctx context.Context, text string) (policy.Rule, string, error) {
	payload, err := json.Marshal(translateRequest{Text: text})
	if err != nil {
		return policy.Rule{}, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return policy.Rule{}, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return policy.Rule{}, "", fmt.Errorf("translator unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return policy.Rule{}, "", fmt.Errorf("translator returned %s", resp.Status)
	}
	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return policy.Rule{}, "", fmt.Errorf("translator response: %w", err)
	}
	return out.Rule, out.Explanation, nil
}
