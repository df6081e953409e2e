package conf

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bootstrap 配置根节点
type Bootstrap struct {
	Server     *Server     `json:"server"`
	Data       *Data       `json:"data"`
	Governance *Governance `json:"governance"`
	Log        *Log        `json:"log"`
}

// Server 服务端配置
type Server struct {
	Http       *HTTP  `json:"http"`
	AdminToken string `json:"admin_token"`
}

// HTTP 监听配置
type HTTP struct {
	Network string   `json:"network"`
	Addr    string   `json:"addr"`
	Timeout Duration `json:"timeout"`
}

// Log 日志配置（透传给 go-pkg/logger）
type Log struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"`
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"`
	MaxAge     int    `json:"max_age"`
	MaxBackups int    `json:"max_backups"`
	Compress   bool   `json:"compress"`
}

// Data 数据层配置
type Data struct {
	Database *Database `json:"database"`
	Redis    *Redis    `json:"redis"`
	Rocketmq *Rocketmq `json:"rocketmq"`
	Openai   *Openai   `json:"openai"`
	Alert    *Alert    `json:"alert"`
}

// Database 关系库配置，driver 取值 mysql / postgres / sqlite
type Database struct {
	Driver          string   `json:"driver"`
	Source          string   `json:"source"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
}

// Redis 配置
type Redis struct {
	Addr         string   `json:"addr"`
	Password     string   `json:"password"`
	DB           int      `json:"db"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
}

// Rocketmq 配置
type Rocketmq struct {
	Enabled     bool     `json:"enabled"`
	NameServers []string `json:"name_servers"`
	GroupName   string   `json:"group_name"`
	Topic       string   `json:"topic"`
	RetryTimes  int32    `json:"retry_times"`
}

// Openai 模型供应商配置
type Openai struct {
	ApiKey       string   `json:"api_key"`
	BaseUrl      string   `json:"base_url"`
	DefaultModel string   `json:"default_model"`
	Timeout      Duration `json:"timeout"`
}

// Alert 告警通道配置，endpoint 为空时仅记录日志
type Alert struct {
	Endpoint string   `json:"endpoint"`
	Path     string   `json:"path"`
	Timeout  Duration `json:"timeout"`
}

// Governance 治理核心配置
type Governance struct {
	Cost       *Cost       `json:"cost"`
	Wallet     *Wallet     `json:"wallet"`
	RateLimit  *RateLimit  `json:"rate_limit"`
	Circuit    *Circuit    `json:"circuit"`
	WriteGuard *WriteGuard `json:"write_guard"`
	Runaway    *Runaway    `json:"runaway"`
}

// ModelRate 每千 token 单价（分）
type ModelRate struct {
	PromptCentsPer1K     float64 `json:"prompt_cents_per_1k"`
	CompletionCentsPer1K float64 `json:"completion_cents_per_1k"`
}

// Cost 计价配置
type Cost struct {
	MarkupMultiplier   float64               `json:"markup_multiplier"`
	MinimumBilledCents int64                 `json:"minimum_billed_cents"`
	DefaultRate        *ModelRate            `json:"default_rate"`
	Models             map[string]*ModelRate `json:"models"`
}

// Wallet 钱包配置
type Wallet struct {
	FeatureCosts      map[string]int64    `json:"feature_costs"`
	PlanFeatures      map[string][]string `json:"plan_features"`
	FreeCredits       map[string]int32    `json:"free_credits"`
	ChargeGuardWindow Duration            `json:"charge_guard_window"`
	LowBalanceCents   int64               `json:"low_balance_cents"`
}

// RateLimit 限流配置，store 取值 database / redis
type RateLimit struct {
	Store           string   `json:"store"`
	StoreTimeout    Duration `json:"store_timeout"`
	CleanupInterval Duration `json:"cleanup_interval"`
	Retention       Duration `json:"retention"`
}

// Circuit 熔断配置
type Circuit struct {
	CacheTTL       Duration `json:"cache_ttl"`
	DefaultMinutes int      `json:"default_minutes"`
	StoreTimeout   Duration `json:"store_timeout"`
}

// WriteGuard 幂等守卫配置
type WriteGuard struct {
	Retention Duration `json:"retention"`
}

// Runaway 异常流量自动熔断配置
type Runaway struct {
	Watches []*SpikeWatch `json:"watches"`
}

// SpikeWatch 单个监控项
type SpikeWatch struct {
	Scope           string   `json:"scope"`
	Feature         string   `json:"feature"`
	Window          Duration `json:"window"`
	BaselineWindows int      `json:"baseline_windows"`
	MinEvents       int64    `json:"min_events"`
	SpikeFactor     float64  `json:"spike_factor"`
	TripMinutes     int      `json:"trip_minutes"`
}

// Duration 支持 "5s" 形式的字符串或整数秒
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
	case string:
		if value == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// AsDuration 返回 time.Duration，命名与 durationpb 保持一致
func (d Duration) AsDuration() time.Duration {
	return d.Duration
}
