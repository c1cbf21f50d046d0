// Package config centralises the engine's environment variables and their
// defaults. Everything is optional: with no environment at all the engine
// runs on the in-memory store with Kafka disabled.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grouplay/betting-engine/pkg/contracts/topics"
)

type Config struct {
	Port string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	KafkaBrokers  []string // empty disables the event consumer
	ConsumerGroup string
	TopicCreated  string
	TopicFinished string
}

// Load reads the environment and fills in defaults.
func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    getDuration("CACHE_TTL_SECONDS", 30*time.Second),

		KafkaBrokers:  splitList(getEnv("KAFKA_BROKERS", "")),
		ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "betting-engine"),
		TopicCreated:  getEnv("KAFKA_TOPIC_MATCH_CREATED", topics.MatchCreated),
		TopicFinished: getEnv("KAFKA_TOPIC_MATCH_FINISHED", topics.MatchFinished),
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
