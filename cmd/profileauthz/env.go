package main

import (
	"encoding/hex"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Env holds process-level settings read from PROFILEAUTHZ_* variables.
type Env struct {
	DBPath        string   `envconfig:"PROFILEAUTHZ_DB"`
	RedisAddr     string   `envconfig:"PROFILEAUTHZ_REDIS_ADDR"`
	RedisPrefix   string   `envconfig:"PROFILEAUTHZ_REDIS_PREFIX" default:"profileauthz"`
	KafkaBrokers  []string `envconfig:"PROFILEAUTHZ_KAFKA_BROKERS"`
	KafkaTopic    string   `envconfig:"PROFILEAUTHZ_KAFKA_TOPIC" default:"profileauthz.audit"`
	EncryptionKey string   `envconfig:"PROFILEAUTHZ_ENCRYPTION_KEY"`
	RiskCeiling   int      `envconfig:"PROFILEAUTHZ_RISK_CEILING"`
	DetectCron    string   `envconfig:"PROFILEAUTHZ_DETECT_CRON" default:"@every 5m"`
	FlushCron     string   `envconfig:"PROFILEAUTHZ_FLUSH_CRON" default:"@every 30s"`
	Concurrency   int      `envconfig:"PROFILEAUTHZ_WORKER_CONCURRENCY" default:"2"`
	LogComponent  string   `envconfig:"PROFILEAUTHZ_LOG_COMPONENT" default:"profileauthz"`
	Addr          string   `envconfig:"PROFILEAUTHZ_ADDR" default:":8080"`
	EvaluateLimit int      `envconfig:"PROFILEAUTHZ_EVALUATE_LIMIT" default:"600"`
}

func loadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return nil, err
	}
	if env.RiskCeiling < 0 || env.RiskCeiling > 100 {
		return nil, fmt.Errorf("PROFILEAUTHZ_RISK_CEILING must be within 0..100, got %d", env.RiskCeiling)
	}
	if env.EncryptionKey != "" {
		key, err := hex.DecodeString(env.EncryptionKey)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("PROFILEAUTHZ_ENCRYPTION_KEY must be 64 hex characters")
		}
	}
	return &env, nil
}

func (e *Env) encryptionKey() []byte {
	if e.EncryptionKey == "" {
		return nil
	}
	key, _ := hex.DecodeString(e.EncryptionKey)
	return key
}
