package ai

import (
	"bufio"
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

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

var (
	_ Provider       = (*OpenRouterProvider)(nil)
	_ StreamProvider = (*OpenRouterProvider)(nil)
	_ Engine         = (*OpenRouterProvider)(nil)
	_ Capabilities   = (*OpenRouterProvider)(nil)
)

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model    string          `json:"model"`
	Messages []openRouterMsg `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openRouterError struct {
	Message string `json:"message"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Error *openRouterError `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Error *openRouterError `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OpenRouterProvider) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		h.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		h.Set("X-Title", p.AppName)
	}
	return h
}

func (p *OpenRouterProvider) newChatRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	if p.Client == nil {
		return nil, errors.New("openrouter: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, errors.New("openrouter: model is required")
	}

	body := openRouterChatReq{Model: model, Stream: stream, Messages: make([]openRouterMsg, 0, len(messages))}
	for _, m := range messages {
		body.Messages = append(body.Messages, openRouterMsg{Role: m.Role, Content: m.Content})
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header = p.headers()
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("openrouter: %s", msg)
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (string, error) {
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
		return "", statusError(resp)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openrouter: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

// StreamChat streams assistant content chunks via SSE.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
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

// Send streams the reply into h and reports the upstream finish_reason on finish.
func (p *OpenRouterProvider) Send(ctx context.Context, messages []Message, h StreamHandler) error {
	reason, err := p.stream(ctx, messages, func(c string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.OnMessage(Delta{Content: c, Role: "assistant"})
		return nil
	})
	return finish(ctx, h, reason, err)
}

// stream reads the SSE body, hands every content delta to emit and returns
// the last finish_reason seen before [DONE].
func (p *OpenRouterProvider) stream(ctx context.Context, messages []Message, emit func(string) error) (string, error) {
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
		return "", statusError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var reason string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return reason, nil
		}
		var decoded openRouterStreamResp
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			return "", err
		}
		if decoded.Error != nil && decoded.Error.Message != "" {
			return "", errors.New(decoded.Error.Message)
		}
		if len(decoded.Choices) == 0 {
			continue
		}
		if delta := decoded.Choices[0].Delta.Content; delta != "" {
			if err := emit(delta); err != nil {
				return "", err
			}
		}
		if fr := decoded.Choices[0].FinishReason; fr != "" {
			reason = fr
		}
	}
	return reason, sc.Err()
}

func (p *OpenRouterProvider) IsLoggedIn(ctx context.Context) (bool, error) {
	return strings.TrimSpace(p.APIKey) != "", nil
}

func (p *OpenRouterProvider) IsLocal() bool             { return false }
func (p *OpenRouterProvider) SupportsCustomModel() bool { return true }

func (p *OpenRouterProvider) ListModels(ctx context.Context) ([]string, error) {
	var decoded struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := getJSON(ctx, p.Client, p.BaseURL+"/models", p.headers(), &decoded); err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	out := make([]string, 0, len(decoded.Data))
	for _, m := range decoded.Data {
		out = append(out, m.ID)
	}
	return out, nil
}
