package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-lease/internal/api/http"
	"github.com/EternisAI/silo-lease/internal/db"
	"github.com/EternisAI/silo-lease/internal/tiers"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log        LogConfig
	Http       http.Config
	DB         db.Config
	Encryption EncryptionConfig
	Redis      RedisConfig
	Reclaimer  ReclaimerConfig
	Tiers      tiers.Config
	Settings   SettingsConfig
}

type EncryptionConfig struct {
	Key string `mapstructure:"key"`
}

// RedisConfig is optional. Without a URL every replica runs its own reclaimer
// sweeps, which is safe but wasteful.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type ReclaimerConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type SettingsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-lease-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db.driver", db.DriverPostgres)
	viper.SetDefault("db.schema", "public")
	viper.SetDefault("reclaimer.schedule", "@every 60s")
	viper.SetDefault("settings.cache_ttl", "30s")

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("encryption.key", "ENCRYPTION_KEY")
	_ = viper.BindEnv("http.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")
	_ = viper.BindEnv("redis.url", "REDIS_URL")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level), secrets masked
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		masked := config
		masked.Http.AdminAPIKey = mask(masked.Http.AdminAPIKey)
		masked.Http.JWTSecret = mask(masked.Http.JWTSecret)
		masked.Encryption.Key = mask(masked.Encryption.Key)
		masked.DB.URL = mask(masked.DB.URL)
		masked.Redis.URL = mask(masked.Redis.URL)
		configJSON, err := json.MarshalIndent(masked, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
