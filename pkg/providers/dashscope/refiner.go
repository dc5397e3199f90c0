package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashidome/kikitori/pkg/adapters/refine"
	"github.com/ashidome/kikitori/pkg/errorsx"
	"github.com/ashidome/kikitori/pkg/logging"
	"github.com/ashidome/kikitori/pkg/resilience"
)

const defaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

const defaultSystemPrompt = "你是一个听写文本整理助手。对用户提供的语音识别原文进行标点、分段和格式规范化。" +
	"不要添加原文没有的内容，不要改写或总结，只做整理。直接输出整理后的文本。"

type Config struct {
	APIKey       string  `mapstructure:"api_key"`
	BaseURL      string  `mapstructure:"base_url"`
	Model        string  `mapstructure:"model"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	Temperature  float64 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Model == "" {
		c.Model = "qwen-plus"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Refiner normalizes a raw transcript through DashScope's
// OpenAI-compatible chat completion API (qwen models).
type Refiner struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) *Refiner {
	cfg = cfg.withDefaults()
	return &Refiner{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(slog.Default(), "dashscope_refine"),
	}
}

func (r *Refiner) Name() string { return "dashscope" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *Refiner) Refine(ctx context.Context, raw string) (string, error) {
	if r.cfg.APIKey == "" {
		return "", errorsx.Wrap(fmt.Errorf("missing dashscope api key"), errorsx.ReasonRefineCall)
	}

	body := chatRequest{
		Model:       r.cfg.Model,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: r.cfg.SystemPrompt},
			{Role: "user", Content: strings.ToValidUTF8(raw, "")},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonRefineCall)
	}

	url := strings.TrimRight(r.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonRefineCall)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonRefineCall)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonRefineCall)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", errorsx.Wrap(
			resilience.RateLimitError{Provider: "dashscope", Message: strings.TrimSpace(string(respBody))},
			errorsx.ReasonRefineRateLimit)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errorsx.Wrap(
			fmt.Errorf("dashscope http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
			errorsx.ReasonRefineCall)
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonRefineCall)
	}
	if out.Error != nil {
		return "", errorsx.Wrap(
			fmt.Errorf("dashscope error %s: %s", out.Error.Code, out.Error.Message),
			errorsx.ReasonRefineCall)
	}
	if len(out.Choices) == 0 {
		return "", errorsx.Wrap(fmt.Errorf("dashscope response has no choices"), errorsx.ReasonRefineCall)
	}

	refined := strings.TrimSpace(out.Choices[0].Message.Content)
	r.logger.Debug("refine_completed",
		slog.String("model", r.cfg.Model),
		slog.Int("raw_chars", len(raw)),
		slog.Int("refined_chars", len(refined)),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))
	if refined == "" {
		return raw, nil
	}
	return refined, nil
}

var _ refine.Refiner = (*Refiner)(nil)
