package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	CRM        CRMConfig        `yaml:"crm"`
	Storefront StorefrontConfig `yaml:"storefront"`
	Sync       SyncSettings     `yaml:"sync"`
	CRMSync    CRMSyncConfig    `yaml:"crmsync"`
}

// DatabaseConfig is optional: an empty host keeps sync records in memory.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name" validate:"required_with=Host"`
	SSLMode  string `yaml:"ssl_mode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
}

// KafkaConfig is optional: an empty host disables the consumer and the Kafka notifier.
type KafkaConfig struct {
	Host                      string `yaml:"host"`
	Port                      int    `yaml:"port" validate:"gte=0,lte=65535"`
	OrderStatusTopicName      string `yaml:"order_status_topic_name"`
	CRMStageTopicName         string `yaml:"crm_stage_topic_name"`
	OrderChangedTopicName     string `yaml:"order_changed_topic_name"`
	OrderSyncedTopicName      string `yaml:"order_synced_topic_name"`
	PermanentFailureTopicName string `yaml:"permanent_failure_topic_name"`
	ConsumerGroup             string `yaml:"consumer_group"`
}

// RedisConfig is optional: an empty host switches cache, locks, rate limiting and the
// task queue to in-process implementations.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

type CRMConfig struct {
	BaseURL        string `yaml:"base_url" validate:"omitempty,url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
	// Mode selects the client: "http" or "fake".
	Mode string `yaml:"mode" validate:"omitempty,oneof=http fake"`
	// ContactCacheTTLSeconds enables caching of contact ids by email in Redis.
	ContactCacheTTLSeconds int `yaml:"contact_cache_ttl_seconds" validate:"gte=0"`
}

type StorefrontConfig struct {
	BaseURL        string `yaml:"base_url" validate:"omitempty,url"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
	Mode           string `yaml:"mode" validate:"omitempty,oneof=http fake"`
}

type CRMSyncConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	WorkerHTTPAddr string `yaml:"worker_http_addr"`
	WorkerGRPCAddr string `yaml:"worker_grpc_addr"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json text"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds" validate:"gte=0"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	config.applyEnv()

	return &config, nil
}

// applyEnv lets secrets come from the environment (or a .env file) instead of YAML.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("CRM_API_TOKEN"); ok {
		c.CRM.APIToken = v
	}
	if v, ok := os.LookupEnv("STOREFRONT_API_KEY"); ok {
		c.Storefront.APIKey = v
	}
	if v, ok := os.LookupEnv("STOREFRONT_API_SECRET"); ok {
		c.Storefront.APISecret = v
	}
	if v, ok := os.LookupEnv("DATABASE_PASSWORD"); ok {
		c.Database.Password = v
	}
}

func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) PostgresConnString() string {
	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := c.Database.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, port, c.Database.DBName, sslMode)
}

func (c *Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) KafkaBrokers() []string {
	if c.Kafka.Host == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)}
}
