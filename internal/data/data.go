package data

import (
	"fmt"
	"strings"

	"usage-governance/internal/conf"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/glebarez/sqlite"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/google/wire"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewDB,
	NewRedis,
	NewRedsync,
	NewMQProducer,
	NewData,
	NewUsageEventRepo,
	NewRateLimitStore,
	NewCircuitRepo,
	NewWriteGuardRepo,
	NewWalletRepo,
	NewUsageCounterRepo,
	NewChatModel,
	NewNotifier,
)

// Data 数据层结构体
type Data struct {
	db    *gorm.DB
	rdb   *redis.Client
	mq    rocketmq.Producer // 未启用时为 nil
	topic string
}

// NewDB 创建数据库连接
func NewDB(c *conf.Bootstrap) (*gorm.DB, error) {
	if c.Data == nil || c.Data.Database == nil {
		return nil, fmt.Errorf("database config is nil")
	}
	dbc := c.Data.Database

	var dialector gorm.Dialector
	switch strings.ToLower(dbc.Driver) {
	case "", "mysql":
		dialector = mysql.Open(dbc.Source)
	case "postgres", "postgresql":
		dialector = postgres.Open(dbc.Source)
	case "sqlite":
		dialector = sqlite.Open(dbc.Source)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", dbc.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dbc.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dbc.MaxOpenConns)
	}
	if dbc.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dbc.MaxIdleConns)
	}
	if d := dbc.ConnMaxLifetime.AsDuration(); d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	return db, nil
}

// NewRedis 创建 Redis 连接
func NewRedis(c *conf.Bootstrap) (*redis.Client, error) {
	if c.Data == nil || c.Data.Redis == nil {
		return nil, fmt.Errorf("redis config is nil")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Data.Redis.Addr,
		Password:     c.Data.Redis.Password,
		DB:           c.Data.Redis.DB,
		ReadTimeout:  c.Data.Redis.ReadTimeout.AsDuration(),
		WriteTimeout: c.Data.Redis.WriteTimeout.AsDuration(),
	})

	// 测试连接
	if err := rdb.Ping(rdb.Context()).Err(); err != nil {
		return nil, err
	}

	return rdb, nil
}

// NewRedsync 基于 Redis 的分布式锁
func NewRedsync(rdb *redis.Client) *redsync.Redsync {
	return redsync.New(goredis.NewPool(rdb))
}

// NewMQProducer 创建 RocketMQ 生产者，未启用或启动失败时返回 nil（用量事件直接写库）
func NewMQProducer(c *conf.Bootstrap, logger log.Logger) rocketmq.Producer {
	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled {
		return nil
	}
	mqc := c.Data.Rocketmq
	p, err := rocketmq.NewProducer(
		producer.WithNsResolver(primitive.NewPassthroughResolver(mqc.NameServers)),
		producer.WithGroupName(mqc.GroupName),
		producer.WithRetry(int(mqc.RetryTimes)),
	)
	if err != nil {
		log.NewHelper(logger).Errorf("init rocketmq producer error: %v", err)
		return nil
	}
	if err := p.Start(); err != nil {
		log.NewHelper(logger).Errorf("start rocketmq producer error: %v", err)
		return nil
	}
	return p
}

// NewData 创建数据层实例
func NewData(c *conf.Bootstrap, logger log.Logger, db *gorm.DB, rdb *redis.Client, mq rocketmq.Producer) (*Data, func(), error) {
	d := &Data{
		db:  db,
		rdb: rdb,
		mq:  mq,
	}
	if c.Data != nil && c.Data.Rocketmq != nil {
		d.topic = c.Data.Rocketmq.Topic
	}

	cleanup := func() {
		log.NewHelper(logger).Info("closing the data resources")
		if d.mq != nil {
			if err := d.mq.Shutdown(); err != nil {
				log.NewHelper(logger).Errorf("failed to shutdown rocketmq producer: %v", err)
			}
		}
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
		if err := rdb.Close(); err != nil {
			log.NewHelper(logger).Errorf("failed to close redis: %v", err)
		}
	}

	return d, cleanup, nil
}
