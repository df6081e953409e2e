package biz

import (
	"context"
	"errors"
	"sync"
	"time"

	"usage-governance/internal/constants"
	"usage-governance/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// usageWriteTimeout 单条用量日志写入超时
const usageWriteTimeout = 5 * time.Second

// UsageEvent 单次计量调用的不可变记录
type UsageEvent struct {
	ID               string                 `json:"id"`
	CreatedAt        time.Time              `json:"created_at"`
	Feature          string                 `json:"feature"`
	Endpoint         string                 `json:"endpoint"`
	Model            string                 `json:"model"`
	PromptTokens     int                    `json:"prompt_tokens"`
	CompletionTokens int                    `json:"completion_tokens"`
	TotalTokens      int                    `json:"total_tokens"`
	VendorCostCents  int64                  `json:"vendor_cost_cents"`
	BilledCostCents  int64                  `json:"billed_cost_cents"`
	Success          bool                   `json:"success"`
	ErrorTag         string                 `json:"error_tag,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	UserID           string                 `json:"user_id,omitempty"`
	UserLabel        string                 `json:"user_label,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// UsageQuery 用量聚合查询条件
type UsageQuery struct {
	From    time.Time
	To      time.Time
	Feature string
	Model   string
}

// UsageSummary 按 (feature, model) 聚合的用量
type UsageSummary struct {
	Feature          string `json:"feature"`
	Model            string `json:"model"`
	Calls            int64  `json:"calls"`
	Failures         int64  `json:"failures"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	VendorCostCents  int64  `json:"vendor_cost_cents"`
	BilledCostCents  int64  `json:"billed_cost_cents"`
}

// UsageEventRepo 用量事件存储
type UsageEventRepo interface {
	SaveUsageEvent(ctx context.Context, event *UsageEvent) error
	BatchSaveUsageEvents(ctx context.Context, events []*UsageEvent) error
	SummarizeUsage(ctx context.Context, q *UsageQuery) ([]*UsageSummary, error)
	CountUsageEvents(ctx context.Context, feature string, from, to time.Time) (int64, error)
}

// ChatMessage 对话消息
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest 模型调用请求
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float32
}

// ChatResponse 模型调用结果，调用失败时也可能携带部分用量
type ChatResponse struct {
	Model            string
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// ChatModel AI 供应商调用边界
type ChatModel interface {
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// UsageTag 调用归属信息
type UsageTag struct {
	Feature   string
	Endpoint  string
	UserID    string
	UserLabel string
	Metadata  map[string]interface{}
}

// MeteredCompletion 带计价结果的调用结果
type MeteredCompletion struct {
	*ChatResponse
	Quote   CostQuote
	EventID string
}

// UsageLogger 执行计量调用并记录用量事件
// 日志写入是尽力而为的旁路，失败不会影响调用结果
type UsageLogger struct {
	model   ChatModel
	meter   *CostMeter
	repo    UsageEventRepo
	log     *log.Helper
	metrics *metrics.GovernanceMetrics
	now     func() time.Time

	wg sync.WaitGroup
}

// NewUsageLogger 创建用量记录器
func NewUsageLogger(model ChatModel, meter *CostMeter, repo UsageEventRepo, logger log.Logger) *UsageLogger {
	return &UsageLogger{
		model:   model,
		meter:   meter,
		repo:    repo,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
		now:     time.Now,
	}
}

// Complete 执行调用、计价并记录用量，原样返回调用本身的结果和错误
func (l *UsageLogger) Complete(ctx context.Context, tag UsageTag, req *ChatRequest) (*MeteredCompletion, error) {
	resp, callErr := l.model.Complete(ctx, req)

	model := req.Model
	var promptTokens, completionTokens int
	if resp != nil {
		if resp.Model != "" {
			model = resp.Model
		}
		promptTokens, completionTokens = resp.PromptTokens, resp.CompletionTokens
		if callErr == nil && promptTokens == 0 && completionTokens == 0 {
			promptTokens, completionTokens = estimateRequestTokens(req), EstimateTokens(resp.Content)
		}
	}

	quote := l.meter.Quote(model, promptTokens, completionTokens)
	event := l.newEvent(tag, quote)
	event.Success = callErr == nil
	if callErr != nil {
		event.ErrorTag = classifyCallError(callErr)
		event.ErrorMessage = truncateRunes(callErr.Error(), 500)
	}
	l.Record(ctx, event)

	// 失败时适配器可能仍返回部分结果（如已消耗的 token），一并交给调用方
	if resp == nil {
		return nil, callErr
	}
	return &MeteredCompletion{ChatResponse: resp, Quote: quote, EventID: event.ID}, callErr
}

// Record 异步持久化调用方自行完成的调用，不受调用方 ctx 取消影响
func (l *UsageLogger) Record(ctx context.Context, event *UsageEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now()
	}
	if event.TotalTokens == 0 {
		event.TotalTokens = event.PromptTokens + event.CompletionTokens
	}
	l.observe(event)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageWriteTimeout)
		defer cancel()
		if err := l.repo.SaveUsageEvent(writeCtx, event); err != nil {
			l.log.WithContext(writeCtx).Warnf("usage event not persisted: id=%s, feature=%s, error=%v", event.ID, event.Feature, err)
			if l.metrics != nil {
				l.metrics.UsageLogFailedTotal.Inc()
			}
		}
	}()
}

// Wait 等待所有在途日志写入完成
func (l *UsageLogger) Wait() {
	l.wg.Wait()
}

func (l *UsageLogger) newEvent(tag UsageTag, q CostQuote) *UsageEvent {
	return &UsageEvent{
		ID:               uuid.New().String(),
		CreatedAt:        l.now(),
		Feature:          tag.Feature,
		Endpoint:         tag.Endpoint,
		Model:            q.Model,
		PromptTokens:     q.PromptTokens,
		CompletionTokens: q.CompletionTokens,
		TotalTokens:      q.PromptTokens + q.CompletionTokens,
		VendorCostCents:  q.VendorCostCents,
		BilledCostCents:  q.BilledCostCents,
		UserID:           tag.UserID,
		UserLabel:        tag.UserLabel,
		Metadata:         tag.Metadata,
	}
}

func (l *UsageLogger) observe(e *UsageEvent) {
	if l.metrics == nil {
		return
	}
	result := constants.ResultSuccess
	if !e.Success {
		result = constants.ResultFailed
	}
	l.metrics.UsageEventTotal.WithLabelValues(e.Feature, result).Inc()
	l.metrics.UsageTokensTotal.WithLabelValues(e.Model, "prompt").Add(float64(e.PromptTokens))
	l.metrics.UsageTokensTotal.WithLabelValues(e.Model, "completion").Add(float64(e.CompletionTokens))
	l.metrics.UsageBilledCents.WithLabelValues(e.Feature).Add(float64(e.BilledCostCents))
}

func estimateRequestTokens(req *ChatRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += EstimateTokens(m.Content)
	}
	return n
}

// VendorRateLimitError 供应商返回的限流错误
type VendorRateLimitError interface {
	VendorRateLimited() bool
}

func classifyCallError(err error) string {
	var rl VendorRateLimitError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return constants.ErrorTagTimeout
	case errors.Is(err, context.Canceled):
		return constants.ErrorTagCanceled
	case errors.As(err, &rl) && rl.VendorRateLimited():
		return constants.ErrorTagRateLimited
	default:
		return constants.ErrorTagVendor
	}
}
