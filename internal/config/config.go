package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 守护决策服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 守护服务特定配置
	Guard struct {
		HomeID   string // 家庭ID（类似其他服务的租户ID）
		PackPath string // 守护规则包路径（YAML）

		// 远程校验器
		Validator struct {
			URL       string
			TimeoutMS int
		}

		// 关键路径延迟预算（毫秒），紧急输入超过后记录警告
		BudgetMS int

		// MQTT 入站主题
		Topics struct {
			Speech   string // 语音事件主题，如 guard/{home_id}/speech
			Location string // 位置事件主题，如 guard/{home_id}/location
			Request  string // 意图请求主题，如 guard/{home_id}/request
			Call     string // 拨打状态回报主题，如 guard/{home_id}/call
		}

		// Redis 出站流 / 缓存
		Streams struct {
			Dispatch string // 拨打请求流
			Notify   string // 全员通知流
		}
		Cache struct {
			SessionKeyPrefix string // 升级会话状态键前缀，如 "guard:session:"
			SessionTTL       int    // 会话状态 TTL（秒）
		}

		// 路由队列容量
		QueueCapacity int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-guard")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Guard.HomeID = getEnv("HOME_ID", "")
	cfg.Guard.PackPath = getEnv("GUARD_PACK_PATH", "configs/guard_pack.yaml")
	cfg.Guard.Validator.URL = getEnv("VALIDATOR_URL", "http://localhost:8085")
	cfg.Guard.Validator.TimeoutMS = getEnvInt("VALIDATOR_TIMEOUT_MS", 150)
	cfg.Guard.BudgetMS = getEnvInt("GUARD_BUDGET_MS", 200)

	cfg.Guard.Topics.Speech = getEnv("GUARD_TOPIC_SPEECH", "guard/+/speech")
	cfg.Guard.Topics.Location = getEnv("GUARD_TOPIC_LOCATION", "guard/+/location")
	cfg.Guard.Topics.Request = getEnv("GUARD_TOPIC_REQUEST", "guard/+/request")
	cfg.Guard.Topics.Call = getEnv("GUARD_TOPIC_CALL", "guard/+/call")

	cfg.Guard.Streams.Dispatch = getEnv("GUARD_STREAM_DISPATCH", "guard:dispatch")
	cfg.Guard.Streams.Notify = getEnv("GUARD_STREAM_NOTIFY", "guard:notify")
	cfg.Guard.Cache.SessionKeyPrefix = getEnv("CACHE_SESSION_PREFIX", "guard:session:")
	cfg.Guard.Cache.SessionTTL = getEnvInt("CACHE_SESSION_TTL", 3600)

	cfg.Guard.QueueCapacity = getEnvInt("GUARD_QUEUE_CAPACITY", 256)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
