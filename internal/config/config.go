package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides, e.g. NOTIFY_RABBITMQ__URL
const EnvPrefix = "NOTIFY_"

type Config struct {
	RabbitMQ struct {
		URL           string          `koanf:"url"`
		Queue         string          `koanf:"queue"`
		MaxBatchSize  int             `koanf:"max_batch_size"`
		FlushInterval time.Duration   `koanf:"flush_interval"`
		RetryQueue    string          `koanf:"retry_queue"`
		RetryQueues   []string        `koanf:"retry_queues"`
		RetryTTLs     []time.Duration `koanf:"retry_ttls"`
		DLQ           string          `koanf:"dlq"`
		Prefetch      int             `koanf:"prefetch"`
	} `koanf:"rabbitmq"`

	HTTP struct {
		Addr            string        `koanf:"addr"`
		ReadTimeout     time.Duration `koanf:"read_timeout"`
		WriteTimeout    time.Duration `koanf:"write_timeout"`
		ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	} `koanf:"http"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
		File   string `koanf:"file"`
	} `koanf:"log"`

	Redis struct {
		Addr     string        `koanf:"addr"`
		Password string        `koanf:"password"`
		DB       int           `koanf:"db"`
		TTL      time.Duration `koanf:"ttl"`
	} `koanf:"redis"`

	SMTP struct {
		Host     string `koanf:"host"`
		Port     int    `koanf:"port"`
		Username string `koanf:"username"`
		Password string `koanf:"password"`
		From     string `koanf:"from"`
	} `koanf:"smtp"`

	Bitrix struct {
		WebhookURL string `koanf:"webhook_url"`
	} `koanf:"bitrix"`

	Dispatch struct {
		Concurrency int `koanf:"concurrency"`
	} `koanf:"dispatch"`
}

// Default returns the settings used for keys missing from every source
func Default() Config {
	var c Config
	c.RabbitMQ.Queue = "notifications"
	c.RabbitMQ.MaxBatchSize = 50
	c.RabbitMQ.FlushInterval = 2 * time.Second
	c.RabbitMQ.RetryQueue = "notifications.retry"
	c.HTTP.Addr = ":8080"
	c.HTTP.ReadTimeout = 5 * time.Second
	c.HTTP.WriteTimeout = 10 * time.Second
	c.HTTP.ShutdownTimeout = 15 * time.Second
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Redis.TTL = 24 * time.Hour
	c.SMTP.Port = 587
	c.Dispatch.Concurrency = 8
	return c
}

// Load reads path (optional) and then NOTIFY_* environment variables on top
// of the defaults. Nested keys use "__": NOTIFY_REDIS__ADDR.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("rabbitmq.url required"))
	}
	if c.RabbitMQ.Queue == "" {
		errs = append(errs, errors.New("rabbitmq.queue required"))
	}
	if c.RabbitMQ.RetryQueue == "" {
		errs = append(errs, errors.New("rabbitmq.retry_queue required"))
	}
	if c.RabbitMQ.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("rabbitmq.max_batch_size must be positive"))
	}
	if c.RabbitMQ.FlushInterval < 0 {
		errs = append(errs, errors.New("rabbitmq.flush_interval must not be negative"))
	}
	if n := len(c.RabbitMQ.RetryTTLs); n > 0 && n != len(c.RetryQueues()) {
		errs = append(errs, fmt.Errorf("rabbitmq.retry_ttls has %d entries for %d retry queues", n, len(c.RetryQueues())))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr required"))
	}
	if c.Bitrix.WebhookURL == "" && c.SMTP.Host == "" {
		errs = append(errs, errors.New("either smtp.host or bitrix.webhook_url required"))
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		errs = append(errs, errors.New("smtp.from required with smtp.host"))
	}
	return errors.Join(errs...)
}

// RetryQueues returns the configured retry chain, defaulting to two queues
// named after the batch queue
func (c Config) RetryQueues() []string {
	if len(c.RabbitMQ.RetryQueues) > 0 {
		return c.RabbitMQ.RetryQueues
	}
	return []string{c.RabbitMQ.Queue + ".retry.1", c.RabbitMQ.Queue + ".retry.2"}
}

// DLQ returns the dead-letter queue, defaulting to <queue>.dlq
func (c Config) DLQ() string {
	if c.RabbitMQ.DLQ != "" {
		return c.RabbitMQ.DLQ
	}
	return c.RabbitMQ.Queue + ".dlq"
}
