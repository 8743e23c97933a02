package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvOverlay 可由环境变量覆盖的敏感配置
type EnvOverlay struct {
	SourceAPIKey     string `envconfig:"SOURCE_API_KEY"`
	SourceAPISecret  string `envconfig:"SOURCE_API_SECRET"`
	MainAPIKey       string `envconfig:"MAIN_API_KEY"`
	MainAPISecret    string `envconfig:"MAIN_API_SECRET"`
	Environment      string `envconfig:"ENVIRONMENT"` // testnet / mainnet
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	DatabaseDSN      string `envconfig:"DATABASE_DSN"`
}

// ApplyEnv 加载 .env（可选）并用非空环境变量覆盖 YAML 配置
// envFile 为空时读取当前目录下的 .env
func ApplyEnv(cfg *Config, envFile string) error {
	var err error
	if envFile == "" {
		err = godotenv.Load()
	} else {
		err = godotenv.Load(envFile)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf(".env 文件加载失败: %w", err)
	}

	var env EnvOverlay
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("环境变量处理失败: %w", err)
	}
	env.apply(cfg)
	return nil
}

func (e EnvOverlay) apply(cfg *Config) {
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&cfg.Exchanges.Donor.APIKey, e.SourceAPIKey)
	setIf(&cfg.Exchanges.Donor.SecretKey, e.SourceAPISecret)
	setIf(&cfg.Exchanges.Follower.APIKey, e.MainAPIKey)
	setIf(&cfg.Exchanges.Follower.SecretKey, e.MainAPISecret)
	setIf(&cfg.DistributedLock.Redis.Password, e.RedisPassword)
	setIf(&cfg.Notifications.Telegram.BotToken, e.TelegramBotToken)
	setIf(&cfg.Database.DSN, e.DatabaseDSN)

	switch strings.ToLower(e.Environment) {
	case "testnet":
		cfg.Exchanges.Donor.Testnet = true
		cfg.Exchanges.Follower.Testnet = true
	case "mainnet", "production":
		cfg.Exchanges.Donor.Testnet = false
		cfg.Exchanges.Follower.Testnet = false
	}
}
