package main

import (
	"flag"

	"usage-governance/internal/conf"
	"usage-governance/internal/data"

	"github.com/gaoyong06/go-pkg/logger"
	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/env"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

// 建表/补字段，运行时代码不做自动迁移
func main() {
	flag.Parse()

	c := config.New(
		config.WithSource(
			file.NewSource(flagconf),
			env.NewSource("GOVERNANCE_"),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		panic(err)
	}
	var bc conf.Bootstrap
	if err := c.Scan(&bc); err != nil {
		panic(err)
	}

	logHelper := log.NewHelper(logger.NewLogger(bc.Log.LoggerConfig("logs/usage-governance-migrate.log")))

	db, err := data.NewDB(&bc)
	if err != nil {
		logHelper.Fatalf("open database failed: %v", err)
	}
	if err := data.Migrate(db); err != nil {
		logHelper.Fatalf("migrate failed: %v", err)
	}
	logHelper.Info("migration finished")
}
