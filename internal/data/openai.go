package data

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	openai "github.com/sashabaranov/go-openai"
)

// chatModel OpenAI 兼容接口的模型调用
type chatModel struct {
	client       *openai.Client
	defaultModel string
	timeout      time.Duration
	log          *log.Helper
}

// NewChatModel 创建模型调用客户端
func NewChatModel(c *conf.Bootstrap, logger log.Logger) biz.ChatModel {
	var oc conf.Openai
	if c.Data != nil && c.Data.Openai != nil {
		oc = *c.Data.Openai
	}
	cfg := openai.DefaultConfig(oc.ApiKey)
	if oc.BaseUrl != "" {
		cfg.BaseURL = oc.BaseUrl
	}
	model := oc.DefaultModel
	if model == "" {
		model = openai.GPT4oMini
	}
	return &chatModel{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: model,
		timeout:      oc.Timeout.AsDuration(),
		log:          log.NewHelper(logger),
	}
}

// Complete implements biz.ChatModel.
func (m *chatModel) Complete(ctx context.Context, req *biz.ChatRequest) (*biz.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = m.defaultModel
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	creq := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}
	for _, msg := range req.Messages {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	resp, err := m.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return &biz.ChatResponse{Model: model}, wrapVendorError(err)
	}
	if len(resp.Choices) == 0 {
		return &biz.ChatResponse{
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}, &vendorError{err: errors.New("empty completion response")}
	}
	return &biz.ChatResponse{
		Model:            resp.Model,
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// vendorError 供应商错误，保留 HTTP 状态码用于失败分类
type vendorError struct {
	status int
	err    error
}

func (e *vendorError) Error() string {
	if e.status > 0 {
		return fmt.Sprintf("openai error %d: %v", e.status, e.err)
	}
	return fmt.Sprintf("openai error: %v", e.err)
}

func (e *vendorError) Unwrap() error { return e.err }

// VendorRateLimited implements biz.VendorRateLimitError.
func (e *vendorError) VendorRateLimited() bool {
	return e.status == http.StatusTooManyRequests
}

func wrapVendorError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &vendorError{status: apiErr.HTTPStatusCode, err: errors.New(apiErr.Message)}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &vendorError{status: reqErr.HTTPStatusCode, err: reqErr.Err}
	}
	return &vendorError{err: err}
}
