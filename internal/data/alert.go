package data

import (
	"bytes"
	"context"
	"fmt"
	nethttp "net/http"
	"strings"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/conf"

	"github.com/go-kratos/kratos/v2/encoding"
	_ "github.com/go-kratos/kratos/v2/encoding/json"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// defaultAlertTimeout 告警推送默认超时
const defaultAlertTimeout = 5 * time.Second

// webhookNotifier 通过 HTTP webhook 推送熔断告警
type webhookNotifier struct {
	client *http.Client
	url    string
	log    *log.Helper
}

// logNotifier 未配置告警通道时只记录日志
type logNotifier struct {
	log *log.Helper
}

// NewNotifier 创建告警通道，endpoint 为空时退化为日志告警
func NewNotifier(c *conf.Bootstrap, logger log.Logger) (biz.Notifier, func(), error) {
	logHelper := log.NewHelper(logger)
	if c.Data == nil || c.Data.Alert == nil || c.Data.Alert.Endpoint == "" {
		return &logNotifier{log: logHelper}, func() {}, nil
	}
	ac := c.Data.Alert

	timeout := ac.Timeout.AsDuration()
	if timeout <= 0 {
		timeout = defaultAlertTimeout
	}
	client, err := http.NewClient(
		context.Background(),
		http.WithEndpoint(ac.Endpoint),
		http.WithTimeout(timeout),
		http.WithMiddleware(
			recovery.Recovery(),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create alert client: %w", err)
	}
	target := strings.TrimRight(ac.Endpoint, "/")
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	path := ac.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logHelper.Warnf("close alert client failed: %v", err)
		}
	}
	return &webhookNotifier{client: client, url: target + path, log: logHelper}, cleanup, nil
}

// Notify implements biz.Notifier.
func (n *webhookNotifier) Notify(ctx context.Context, alert *biz.Alert) error {
	body, err := encoding.GetCodec("json").Marshal(alert)
	if err != nil {
		return err
	}
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	n.log.WithContext(ctx).Infof("circuit alert sent: scope=%s, action=%s", alert.Scope, alert.Action)
	return nil
}

// Notify implements biz.Notifier.
func (n *logNotifier) Notify(ctx context.Context, alert *biz.Alert) error {
	n.log.WithContext(ctx).Warnf("circuit %s: scope=%s, reason=%s, actor=%s", alert.Action, alert.Scope, alert.Reason, alert.Actor)
	return nil
}
