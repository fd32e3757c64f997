package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server Server `mapstructure:"server" validate:"required"`
	Broker Broker `mapstructure:"broker" validate:"required"`
	Store  Store  `mapstructure:"store"  validate:"required"`
	Worker Worker `mapstructure:"worker" validate:"required"`
	Retry  Retry  `mapstructure:"retry"  validate:"required"`
}

// Server contains the operational endpoint settings (health surface, logging).
type Server struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// Broker contains the settings for the pub/sub transport.
type Broker struct {
	Seeds           []string `mapstructure:"seeds"             validate:"required,min=1"`
	Topic           string   `mapstructure:"topic"             validate:"required"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic" validate:"required"`
	ConsumerGroup   string   `mapstructure:"consumer_group"    validate:"required"`
}

// Store contains the result-store connection settings.
type Store struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// Worker contains the worker pool and autoscaler settings.
//
// VisibilityTimeout must exceed the worst-case handler execution time plus
// margin, or a lease expires while the handler is still running and the
// broker redelivers the task to a second slot.
type Worker struct {
	MinWorkers        int           `mapstructure:"min_workers"        validate:"required,gt=0"`
	MaxWorkers        int           `mapstructure:"max_workers"        validate:"required,gtefield=MinWorkers"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"required,gt=0"`
	ScaleUpBacklog    int64         `mapstructure:"scale_up_backlog"   validate:"required,gt=0"`
	ScaleDownIdle     int           `mapstructure:"scale_down_idle"    validate:"required,gt=0"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"    validate:"required,gt=0"`
	SampleWindow      int           `mapstructure:"sample_window"      validate:"required,gt=0"`
	Cooldown          time.Duration `mapstructure:"cooldown"           validate:"required,gt=0"`
}

// Retry contains the failure-handling policy settings.
type Retry struct {
	MaxRetries  int           `mapstructure:"max_retries"  validate:"gte=0"`
	BackoffBase time.Duration `mapstructure:"backoff_base" validate:"required,gt=0"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"  validate:"required,gtefield=BackoffBase"`
}
