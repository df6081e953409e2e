package data

import (
	"context"
	"encoding/json"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/data/model"
	"usage-governance/internal/metrics"

	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

// usageBatchSize 批量写入每批条数
const usageBatchSize = 100

type usageEventRepo struct {
	data    *Data
	log     *log.Helper
	metrics *metrics.GovernanceMetrics
}

// NewUsageEventRepo 创建用量事件 repo
func NewUsageEventRepo(data *Data, logger log.Logger) biz.UsageEventRepo {
	return &usageEventRepo{
		data:    data,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// SaveUsageEvent 启用 MQ 时投递到队列由消费端批量落库，投递失败降级为直接写库
func (r *usageEventRepo) SaveUsageEvent(ctx context.Context, event *biz.UsageEvent) error {
	if r.data.mq != nil && r.data.topic != "" {
		body, err := json.Marshal(event)
		if err == nil {
			msg := primitive.NewMessage(r.data.topic, body)
			msg.WithKeys([]string{event.ID})
			if _, err = r.data.mq.SendSync(ctx, msg); err == nil {
				return nil
			}
		}
		r.log.WithContext(ctx).Warnf("publish usage event failed, writing directly: id=%s, error=%v", event.ID, err)
	}
	return r.data.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(toUsageEventModel(event)).Error
}

// BatchSaveUsageEvents 批量写入，重复投递的事件按主键忽略
func (r *usageEventRepo) BatchSaveUsageEvents(ctx context.Context, events []*biz.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]*model.UsageEvent, 0, len(events))
	for _, e := range events {
		rows = append(rows, toUsageEventModel(e))
	}
	if err := r.data.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, usageBatchSize).Error; err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.UsageEventBatchInsert.Observe(float64(len(rows)))
	}
	return nil
}

// SummarizeUsage 按 feature/model 聚合
func (r *usageEventRepo) SummarizeUsage(ctx context.Context, q *biz.UsageQuery) ([]*biz.UsageSummary, error) {
	var rows []*biz.UsageSummary
	db := r.data.db.WithContext(ctx).Model(&model.UsageEvent{}).
		Select("feature, model, COUNT(*) AS calls, " +
			"SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failures, " +
			"SUM(prompt_tokens) AS prompt_tokens, SUM(completion_tokens) AS completion_tokens, " +
			"SUM(vendor_cost_cents) AS vendor_cost_cents, SUM(billed_cost_cents) AS billed_cost_cents").
		Where("created_at >= ? AND created_at < ?", q.From.UTC(), q.To.UTC())
	if q.Feature != "" {
		db = db.Where("feature = ?", q.Feature)
	}
	if q.Model != "" {
		db = db.Where("model = ?", q.Model)
	}
	if err := db.Group("feature, model").Order("feature, model").Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountUsageEvents 统计时间区间 [from, to) 内某功能的调用次数
func (r *usageEventRepo) CountUsageEvents(ctx context.Context, feature string, from, to time.Time) (int64, error) {
	var n int64
	err := r.data.db.WithContext(ctx).Model(&model.UsageEvent{}).
		Where("feature = ? AND created_at >= ? AND created_at < ?", feature, from.UTC(), to.UTC()).
		Count(&n).Error
	return n, err
}

func toUsageEventModel(e *biz.UsageEvent) *model.UsageEvent {
	m := &model.UsageEvent{
		UsageEventID:     e.ID,
		CreatedAt:        e.CreatedAt.UTC(),
		Feature:          e.Feature,
		Endpoint:         e.Endpoint,
		Model:            e.Model,
		PromptTokens:     e.PromptTokens,
		CompletionTokens: e.CompletionTokens,
		TotalTokens:      e.TotalTokens,
		VendorCostCents:  e.VendorCostCents,
		BilledCostCents:  e.BilledCostCents,
		Success:          e.Success,
		ErrorTag:         e.ErrorTag,
		ErrorMessage:     e.ErrorMessage,
		UserID:           e.UserID,
		UserLabel:        e.UserLabel,
	}
	if len(e.Metadata) > 0 {
		m.Metadata = datatypes.JSONMap(e.Metadata)
	}
	return m
}
