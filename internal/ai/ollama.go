package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

var (
	_ Provider       = (*OllamaProvider)(nil)
	_ StreamProvider = (*OllamaProvider)(nil)
	_ Engine         = (*OllamaProvider)(nil)
	_ Capabilities   = (*OllamaProvider)(nil)
)

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

// one NDJSON line when streaming, the whole body otherwise
type ollamaChatResp struct {
	Message    ollamaMsg `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (p *OllamaProvider) newChatRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	body := ollamaChatReq{Model: p.Model, Stream: stream, Messages: make([]ollamaMsg, 0, len(messages))}
	for _, m := range messages {
		body.Messages = append(body.Messages, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.Client == nil {
		return "", errors.New("ollama: http client is nil")
	}
	req, err := p.newChatRequest(ctx, messages, false)
	if err != nil {
		return "", err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return decoded.Message.Content, nil
}

// StreamChat streams assistant content chunks.
// It returns immediately with two channels; both will be closed when streaming ends.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		_, err := p.stream(ctx, messages, func(c string) error {
			select {
			case chunks <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

// Send streams the reply into h and reports Ollama's done_reason on finish.
func (p *OllamaProvider) Send(ctx context.Context, messages []Message, h StreamHandler) error {
	reason, err := p.stream(ctx, messages, func(c string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.OnMessage(Delta{Content: c, Role: "assistant"})
		return nil
	})
	return finish(ctx, h, reason, err)
}

// stream posts a streaming chat request and hands every content chunk to emit.
// It returns the done_reason of the final line.
func (p *OllamaProvider) stream(ctx context.Context, messages []Message, emit func(string) error) (string, error) {
	if p.Client == nil {
		return "", errors.New("ollama: http client is nil")
	}
	req, err := p.newChatRequest(ctx, messages, true)
	if err != nil {
		return "", err
	}

	resp, err := streamingClient(p.Client).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama: status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var decoded ollamaChatResp
		if err := json.Unmarshal(line, &decoded); err != nil {
			return "", err
		}
		if decoded.Error != "" {
			return "", errors.New(decoded.Error)
		}
		if decoded.Message.Content != "" {
			if err := emit(decoded.Message.Content); err != nil {
				return "", err
			}
		}
		if decoded.Done {
			return decoded.DoneReason, nil
		}
	}
	return "", sc.Err()
}

func (p *OllamaProvider) IsLoggedIn(ctx context.Context) (bool, error) { return true, nil }
func (p *OllamaProvider) IsLocal() bool                                { return true }
func (p *OllamaProvider) SupportsCustomModel() bool                    { return true }

// ListModels returns the models pulled into the local Ollama instance.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	var decoded struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := getJSON(ctx, p.Client, p.BaseURL+"/api/tags", nil, &decoded); err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	out := make([]string, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		out = append(out, m.Name)
	}
	return out, nil
}

// streamingClient drops the whole-request timeout; the context bounds a stream instead.
func streamingClient(c *http.Client) *http.Client {
	if c.Timeout == 0 {
		return c
	}
	cp := *c
	cp.Timeout = 0
	return &cp
}

func getJSON(ctx context.Context, c *http.Client, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
