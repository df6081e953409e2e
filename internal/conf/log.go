package conf

import "github.com/gaoyong06/go-pkg/logger"

// LoggerConfig 转换为 go-pkg/logger 配置，未配置的字段使用默认值
func (l *Log) LoggerConfig(defaultFile string) *logger.Config {
	cfg := &logger.Config{
		Level:         "info",
		Format:        "json",
		Output:        "stdout",
		FilePath:      defaultFile,
		MaxSize:       100,
		MaxAge:        30,
		MaxBackups:    10,
		Compress:      true,
		EnableConsole: true,
	}
	if l == nil {
		return cfg
	}
	if l.Level != "" {
		cfg.Level = l.Level
	}
	if l.Format != "" {
		cfg.Format = l.Format
	}
	if l.Output != "" {
		cfg.Output = l.Output
	}
	if l.FilePath != "" {
		cfg.FilePath = l.FilePath
	}
	if l.MaxSize > 0 {
		cfg.MaxSize = l.MaxSize
	}
	if l.MaxAge > 0 {
		cfg.MaxAge = l.MaxAge
	}
	if l.MaxBackups > 0 {
		cfg.MaxBackups = l.MaxBackups
	}
	cfg.Compress = l.Compress
	return cfg
}
