package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	// RedisAddr 为空时只做进程内广播。
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BannedWords       []string
	ContentRule       string
	MentionPageSize   int
	ReactionCacheSize int
	RateLimitRPS      int
	RateLimitBurst    int
	LoginURL          string
}

var intDefaults = map[string]int{
	"ACCESS_TOKEN_TTL_MINUTES": 15,
	"REFRESH_TOKEN_TTL_DAYS":   7,
	"MENTION_PAGE_SIZE":        8,
	"REACTION_CACHE_SIZE":      4096,
	"RATE_LIMIT_RPS":           20,
	"RATE_LIMIT_BURST":         40,
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatroom port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("BANNED_WORDS", "")
	v.SetDefault("CONTENT_RULE", "")
	v.SetDefault("LOGIN_URL", "/login")
	for k, d := range intDefaults {
		v.SetDefault(k, d)
	}
	return v
}

// positive 读取整型配置，非法或非正数时回退到默认值。
func positive(v *viper.Viper, key string) int {
	n := v.GetInt(key)
	if n <= 0 {
		return intDefaults[key]
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() Config {
	v := newViper()
	return Config{
		Port:                  v.GetString("APP_PORT"),
		Env:                   v.GetString("APP_ENV"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		DatabaseDriver:        strings.ToLower(v.GetString("DATABASE_DRIVER")),
		DatabaseDSN:           v.GetString("DATABASE_DSN"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		AccessTokenTTLMinutes: positive(v, "ACCESS_TOKEN_TTL_MINUTES"),
		RefreshTokenTTLDays:   positive(v, "REFRESH_TOKEN_TTL_DAYS"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		BannedWords:           splitList(v.GetString("BANNED_WORDS")),
		ContentRule:           v.GetString("CONTENT_RULE"),
		MentionPageSize:       positive(v, "MENTION_PAGE_SIZE"),
		ReactionCacheSize:     positive(v, "REACTION_CACHE_SIZE"),
		RateLimitRPS:          positive(v, "RATE_LIMIT_RPS"),
		RateLimitBurst:        positive(v, "RATE_LIMIT_BURST"),
		LoginURL:              v.GetString("LOGIN_URL"),
	}
}

// Validate 在启动前检查配置，生产环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return errors.New("DATABASE_DRIVER must be postgres or sqlite")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be set outside dev")
	}
	return nil
}
