package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIServerConfig 保存 API 服务器特有的配置。
type APIServerConfig struct {
	Host string     `mapstructure:"HOST"`
	Port string     `mapstructure:"PORT"`
	CORS CORSConfig `mapstructure:"CORS"`
}

// CORSConfig holds configuration for CORS.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `mapstructure:"ALLOWED_METHODS"`
	AllowedHeaders   []string `mapstructure:"ALLOWED_HEADERS"`
	ExposedHeaders   []string `mapstructure:"EXPOSED_HEADERS"`
	AllowCredentials bool     `mapstructure:"ALLOW_CREDENTIALS"`
	MaxAge           int      `mapstructure:"MAX_AGE"`
}

// RedisConfig holds configuration for Redis.
type RedisConfig struct {
	Addr                string `mapstructure:"ADDR"`
	Password            string `mapstructure:"PASSWORD"`
	DB                  int    `mapstructure:"DB"`
	InvalidationChannel string `mapstructure:"INVALIDATION_CHANNEL"`
}

// Config holds all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName    string          `mapstructure:"APP_NAME"`
	AppVersion string          `mapstructure:"APP_VERSION"`
	Mode       string          `mapstructure:"MODE"` // dev 或 prod
	Log        LogConfig       `mapstructure:"LOG"`
	Server     ServerConfig    `mapstructure:"SERVER"`     // 实时查询 (ChatServer) 的配置
	APIServer  APIServerConfig `mapstructure:"API_SERVER"` // REST API 服务器配置
	Kafka      KafkaConfig     `mapstructure:"KAFKA"`
	Database   DatabaseConfig  `mapstructure:"DATABASE"`
	Auth       AuthConfig      `mapstructure:"AUTH"`
	WebSocket  WebSocketConfig `mapstructure:"WEBSOCKET"`
	Redis      RedisConfig     `mapstructure:"REDIS"`
	LiveQuery  LiveQueryConfig `mapstructure:"LIVEQUERY"`
}

// LogConfig 控制 zap 日志的级别与文件切割。
type LogConfig struct {
	Level      string `mapstructure:"LEVEL"`
	FileName   string `mapstructure:"FILE_NAME"`
	MaxSize    int    `mapstructure:"MAX_SIZE"` // MB
	MaxBackups int    `mapstructure:"MAX_BACKUPS"`
	MaxAge     int    `mapstructure:"MAX_AGE"` // 天
}

// ServerConfig holds configuration for the live query (WebSocket) server.
type ServerConfig struct {
	Host           string        `mapstructure:"HOST"`
	Port           string        `mapstructure:"PORT"`
	WebSocketPath  string        `mapstructure:"WEBSOCKET_PATH"`
	ReadTimeout    time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"`
	MaxHeaderBytes int           `mapstructure:"MAX_HEADER_BYTES"`
}

// KafkaConfig holds configuration for Kafka.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"BROKERS"`
	ClientID          string   `mapstructure:"CLIENT_ID"`
	InvalidationTopic string   `mapstructure:"INVALIDATION_TOPIC"` // 实时查询失效事件
	// 每个实例都需要收到全部失效事件，因此消费者组名会拼上实例 ID。
	ConsumerGroupPrefix string `mapstructure:"CONSUMER_GROUP_PREFIX"`
	Protocol            string `mapstructure:"PROTOCOL"`
}

// DatabaseConfig holds configuration for the database.
type DatabaseConfig struct {
	Type     string `mapstructure:"TYPE"` // postgres 或 sqlite
	Host     string `mapstructure:"HOST"`
	Port     int    `mapstructure:"PORT"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	DBName   string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"SSL_MODE"`
	Path     string `mapstructure:"PATH"` // sqlite 文件路径
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// AuthConfig 保存外部身份提供方令牌的校验参数。
type AuthConfig struct {
	JWTSecretKey string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry    time.Duration `mapstructure:"JWT_EXPIRY"` // 仅用于 admin issue-token
	Issuer       string        `mapstructure:"ISSUER"`
}

// WebSocketConfig holds configuration for WebSocket connections.
type WebSocketConfig struct {
	WriteWaitSeconds    int `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
	SendBufferSize      int `mapstructure:"SEND_BUFFER_SIZE"`
}

// LiveQueryConfig 选择失效事件总线。
type LiveQueryConfig struct {
	Bus                 string `mapstructure:"BUS"` // local, kafka, redis
	InstanceID          string `mapstructure:"INSTANCE_ID"`
	MaxSubscriptions    int    `mapstructure:"MAX_SUBSCRIPTIONS"` // 每个连接
	FetchTimeoutSeconds int    `mapstructure:"FETCH_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()

	v.SetDefault("APP_NAME", "School-IM")
	v.SetDefault("APP_VERSION", "0.1.0")
	v.SetDefault("MODE", "dev")

	v.SetDefault("LOG.LEVEL", "info")
	v.SetDefault("LOG.FILE_NAME", "./logs/school-im.log")
	v.SetDefault("LOG.MAX_SIZE", 100)
	v.SetDefault("LOG.MAX_BACKUPS", 5)
	v.SetDefault("LOG.MAX_AGE", 30)

	// Server Defaults (ChatServer)
	v.SetDefault("SERVER.HOST", "0.0.0.0")
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("SERVER.WEBSOCKET_PATH", "/ws")
	v.SetDefault("SERVER.READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.MAX_HEADER_BYTES", 1<<20) // 1 MB

	// APIServer Defaults
	v.SetDefault("API_SERVER.HOST", "0.0.0.0")
	v.SetDefault("API_SERVER.PORT", "8081")
	v.SetDefault("API_SERVER.CORS.ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	v.SetDefault("API_SERVER.CORS.ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("API_SERVER.CORS.ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"})
	v.SetDefault("API_SERVER.CORS.EXPOSED_HEADERS", []string{"Content-Length"})
	v.SetDefault("API_SERVER.CORS.ALLOW_CREDENTIALS", true)
	v.SetDefault("API_SERVER.CORS.MAX_AGE", 300) // 5 minutes

	// Kafka Defaults
	v.SetDefault("KAFKA.BROKERS", []string{"localhost:9092"})
	v.SetDefault("KAFKA.CLIENT_ID", "school-im")
	v.SetDefault("KAFKA.INVALIDATION_TOPIC", "school-im-invalidations")
	v.SetDefault("KAFKA.CONSUMER_GROUP_PREFIX", "school-im-livequery")
	v.SetDefault("KAFKA.PROTOCOL", "plaintext")

	// Database Defaults
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", 5432)
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "password")
	v.SetDefault("DATABASE.DB_NAME", "school_im")
	v.SetDefault("DATABASE.SSL_MODE", "disable")
	v.SetDefault("DATABASE.PATH", "./school-im.db")
	v.SetDefault("DATABASE.LOG_LEVEL", "warn")

	// Auth Defaults
	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 15*time.Minute)
	v.SetDefault("AUTH.ISSUER", "school-identity")

	// Redis Defaults
	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("REDIS.INVALIDATION_CHANNEL", "school-im:invalidations")

	// WebSocket Defaults
	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 4096)
	v.SetDefault("WEBSOCKET.SEND_BUFFER_SIZE", 256)

	v.SetDefault("LIVEQUERY.BUS", "local")
	v.SetDefault("LIVEQUERY.INSTANCE_ID", "")
	v.SetDefault("LIVEQUERY.MAX_SUBSCRIPTIONS", 64)
	v.SetDefault("LIVEQUERY.FETCH_TIMEOUT_SECONDS", 5)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	// 例如 DATABASE_HOST 会覆盖 DATABASE.HOST
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return
		}
		// 没有配置文件时使用默认值
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}
