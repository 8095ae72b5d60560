package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client queries the web search augmentation provider. Failures here are
// never fatal to a completion; the orchestrator degrades to a system note.
type Client struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	HTTP       *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		MaxResults: 5,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
	}
}

type searchReq struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type searchResp struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Text    string `json:"text"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Search returns the results formatted as prompt context text.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	if c.BaseURL == "" {
		return "", fmt.Errorf("search: base url not configured")
	}

	b, err := json.Marshal(searchReq{Query: query, MaxResults: c.MaxResults})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/search", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("search: %s", msg)
	}

	var decoded searchResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Web search results:\n")
	for i, r := range decoded.Results {
		text := r.Text
		if text == "" {
			text = r.Snippet
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n%s\n", i+1, r.Title, r.URL, text)
	}
	return sb.String(), nil
}
