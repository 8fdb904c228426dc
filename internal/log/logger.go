package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const serviceName = "chatd"

// New 构造 logger：dev 环境输出控制台格式，其余环境输出 JSON。
func New(w io.Writer, env string) zerolog.Logger {
	if env == "dev" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
}

// ParseLevel 无法识别的级别按 info 处理。
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Init 配置全局 logger 与全局日志级别。
func Init(env, level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(ParseLevel(level))
	log.Logger = New(os.Stdout, env)
}
