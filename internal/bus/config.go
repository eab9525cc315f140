package bus

import (
	"errors"
	"strings"

	"github.com/chime-io/chime/internal/config"
)

const (
	defaultTopic   = "user-events"
	defaultGroupID = "chime-scheduler"
)

var (
	// ErrNoBrokers is returned when the consumer is enabled without brokers.
	ErrNoBrokers = errors.New("kafka brokers cannot be empty")
)

// Config holds Kafka consumer configuration.
type Config struct {
	// Enabled gates the consumer; deployments without an event bus run the
	// scheduler standalone.
	Enabled bool

	// Brokers is the comma-separated bootstrap broker list.
	Brokers []string

	// Topic carries the user lifecycle events.
	Topic string

	// GroupID names the consumer group; scheduler replicas share it so each
	// message lands on exactly one replica.
	GroupID string
}

// LoadConfig loads Kafka configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	var brokers []string

	for _, b := range strings.Split(config.GetEnvStr("CHIME_KAFKA_BROKERS", ""), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	return &Config{
		Enabled: config.GetEnvBool("CHIME_KAFKA_ENABLED", false),
		Brokers: brokers,
		Topic:   config.GetEnvStr("CHIME_KAFKA_TOPIC", defaultTopic),
		GroupID: config.GetEnvStr("CHIME_KAFKA_GROUP_ID", defaultGroupID),
	}
}

// Validate checks if the Kafka configuration is valid for an enabled consumer.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	return nil
}
