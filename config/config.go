package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	SOS      SOSConfig      `yaml:"sos"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	EventTriggeredTopicName string `yaml:"event_triggered_topic_name"`
	GroupNotifyTopicName    string `yaml:"group_notify_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SOSConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	PresenceCacheTTLSeconds int `yaml:"presence_cache_ttl_seconds"`

	// Сколько событий буферизуем на одного подписчика стрима.
	// Медленный подписчик теряет события (best-effort доставка).
	StreamBufferSize int `yaml:"stream_buffer_size"`

	WorkerHTTPAddr      string `yaml:"worker_http_addr"`
	WorkerConsumerGroup string `yaml:"worker_consumer_group"`

	// "http" — реальные вызовы endpoint-ов провайдеров, "fake" — локальная
	// заглушка для демо и тестов.
	ProviderClientMode string `yaml:"provider_client_mode"`

	// Политика обращения к API провайдера. Нулевые значения означают
	// дефолты; provider_retries: -1 отключает повторы.
	ProviderTimeoutSeconds         int `yaml:"provider_timeout_seconds"`
	ProviderRetries                int `yaml:"provider_retries"`
	ProviderRateLimitPerMinute     int `yaml:"provider_rate_limit_per_minute"`
	ProviderBreakerFailures        int `yaml:"provider_breaker_failures"`
	ProviderBreakerCooldownSeconds int `yaml:"provider_breaker_cooldown_seconds"`
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

	return &config, nil
}
