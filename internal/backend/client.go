package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrAcceptRejected is returned when the backend answers an accept call with success=false.
var ErrAcceptRejected = errors.New("suggestion could not be applied")

// StatusError carries a non-2xx backend response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("backend status %d: %s", e.Status, e.Message)
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type HTTPClient struct {
	hc      *http.Client
	baseURL string
	token   string
}

func NewHTTPClient(opts Options) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		hc:      &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
	}
}

func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var resp ChatResponse
	err := c.post(ctx, "/api/chat", req, &resp)
	return resp, err
}

func (c *HTTPClient) Suggest(ctx context.Context, req SuggestRequest) (SuggestResponse, error) {
	var resp SuggestResponse
	if err := c.post(ctx, "/api/chat/suggestions", req, &resp); err != nil {
		return SuggestResponse{}, err
	}
	if !resp.HasSuggestions {
		resp.Suggestions = nil
	}
	return resp, nil
}

func (c *HTTPClient) AcceptSuggestion(ctx context.Context, req AcceptRequest) (AcceptResponse, error) {
	var resp AcceptResponse
	if err := c.post(ctx, "/api/suggestions/accept", req, &resp); err != nil {
		return AcceptResponse{}, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("%w: %s", ErrAcceptRejected, resp.Error)
	}
	return resp, nil
}

func (c *HTTPClient) AnalyzeVoice(ctx context.Context, req VoiceRequest) (VoiceResponse, error) {
	var resp VoiceResponse
	err := c.post(ctx, "/api/voice/analyze", req, &resp)
	return resp, err
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &StatusError{Status: res.StatusCode, Message: errorMessage(raw, res.Status)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

const maxErrorRunes = 200

func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return fallback
	}
	if runes := []rune(text); len(runes) > maxErrorRunes {
		text = string(runes[:maxErrorRunes])
	}
	return text
}
