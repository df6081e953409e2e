package server

import (
	"context"
	"encoding/json"

	"usage-governance/internal/biz"
	"usage-governance/internal/conf"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
)

// consumeBatchSize 单次最多消费消息数
const consumeBatchSize = 100

// MQConsumerServer consumes usage events from RocketMQ and persists them in batches
type MQConsumerServer struct {
	c       rocketmq.PushConsumer
	repo    biz.UsageEventRepo
	topic   string
	log     *log.Helper
	enabled bool
}

// NewMQConsumerServer creates a RocketMQ consumer server
func NewMQConsumerServer(c *conf.Bootstrap, repo biz.UsageEventRepo, logger log.Logger) *MQConsumerServer {
	logHelper := log.NewHelper(logger)
	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled {
		return &MQConsumerServer{repo: repo, log: logHelper}
	}
	mqc := c.Data.Rocketmq

	r, err := rocketmq.NewPushConsumer(
		consumer.WithNsResolver(primitive.NewPassthroughResolver(mqc.NameServers)),
		consumer.WithGroupName(mqc.GroupName),
		consumer.WithRetry(int(mqc.RetryTimes)),
		consumer.WithConsumeMessageBatchMaxSize(consumeBatchSize),
	)
	if err != nil {
		logHelper.Errorf("init consumer error: %v", err)
		return &MQConsumerServer{repo: repo, log: logHelper}
	}

	return &MQConsumerServer{
		c:       r,
		repo:    repo,
		topic:   mqc.Topic,
		log:     logHelper,
		enabled: true,
	}
}

// Start starts the consumer
func (s *MQConsumerServer) Start(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		s.log.Infof("MQConsumerServer is disabled, skipping startup")
		return nil
	}

	s.log.Infof("Starting MQConsumerServer, topic: %s", s.topic)

	if err := s.c.Subscribe(s.topic, consumer.MessageSelector{}, s.handler); err != nil {
		// RocketMQ 不可用时用量事件由生产端直接写库，不阻断启动
		s.log.Errorf("Failed to subscribe to topic %s: %v", s.topic, err)
		return nil
	}
	if err := s.c.Start(); err != nil {
		s.log.Errorf("Failed to start RocketMQ consumer: %v", err)
		return nil
	}
	return nil
}

// Stop stops the consumer
func (s *MQConsumerServer) Stop(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		return nil
	}
	s.log.Info("Stopping MQConsumerServer")
	return s.c.Shutdown()
}

func (s *MQConsumerServer) handler(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	if len(msgs) == 0 {
		return consumer.ConsumeSuccess, nil
	}

	events := make([]*biz.UsageEvent, 0, len(msgs))
	for _, msg := range msgs {
		var event biz.UsageEvent
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			// 无法解析的消息重试也不会成功，直接丢弃
			s.log.Errorf("Unmarshal usage event failed: %v, body: %s", err, string(msg.Body))
			continue
		}
		if event.ID == "" {
			s.log.Warnf("Usage event without id dropped, msg_id=%s", msg.MsgId)
			continue
		}
		events = append(events, &event)
	}

	if err := s.repo.BatchSaveUsageEvents(ctx, events); err != nil {
		s.log.Errorf("BatchSaveUsageEvents failed: count=%d, error=%v", len(events), err)
		return consumer.ConsumeRetryLater, nil
	}
	return consumer.ConsumeSuccess, nil
}
