package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Environment variables read by FromEnv.
var envBindings = map[string]string{
	"broker.type":           "MESSAGE_BROKER_TYPE",
	"broker.url":            "MESSAGE_BROKER_URL",
	"broker.address":        "MESSAGE_BROKER_ADDRESS",
	"broker.port":           "MESSAGE_BROKER_PORT",
	"broker.vhost":          "MESSAGE_BROKER_VHOST",
	"broker.user":           "MESSAGE_BROKER_USER",
	"broker.password":       "MESSAGE_BROKER_PASSWORD",
	"aws.region":            "AWS_REGION",
	"aws.account_id":        "AWS_ACCOUNT_ID",
	"aws.access_key_id":     "AWS_ACCESS_KEY_ID",
	"aws.secret_access_key": "AWS_SECRET_ACCESS_KEY",
	"aws.endpoint":          "AWS_ENDPOINT",
	"storage.shared_dir":    "GOB_SHARED_DIR",
	"storage.threshold":     "OFFLOAD_THRESHOLD",
	"runtime.disable_test":  "DISABLE_TEST_CATALOGUE",
	"secure.salt":           "SECURE_SALT",
	"secure.password":       "SECURE_PASSWORD",
	"runtime.heartbeat":     "HEARTBEAT_INTERVAL",
	"runtime.metrics_port":  "METRICS_PORT",
	"standalone.xcom_path":  "XCOM_PATH",
}

// FromEnv loads the configuration from environment variables on top of
// Default and validates it.
func FromEnv() (*Config, error) {
	cfg, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadEnv is FromEnv without validation, for tools that only talk to the
// broker.
func LoadEnv() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("broker.type", def.BrokerType)
	v.SetDefault("broker.address", def.BrokerAddress)
	v.SetDefault("broker.port", def.BrokerPort)
	v.SetDefault("broker.vhost", def.BrokerVHost)
	v.SetDefault("storage.threshold", def.OffloadThreshold)
	v.SetDefault("runtime.heartbeat", def.HeartbeatInterval)
	v.SetDefault("standalone.xcom_path", def.XComPath)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		BrokerType:           strings.ToLower(v.GetString("broker.type")),
		RabbitMQURL:          v.GetString("broker.url"),
		BrokerAddress:        v.GetString("broker.address"),
		BrokerPort:           v.GetInt("broker.port"),
		BrokerVHost:          v.GetString("broker.vhost"),
		BrokerUser:           v.GetString("broker.user"),
		BrokerPassword:       v.GetString("broker.password"),
		AWSRegion:            v.GetString("aws.region"),
		AWSAccountID:         v.GetString("aws.account_id"),
		AWSAccessKeyID:       v.GetString("aws.access_key_id"),
		AWSSecretAccessKey:   v.GetString("aws.secret_access_key"),
		AWSEndpoint:          v.GetString("aws.endpoint"),
		SharedDir:            v.GetString("storage.shared_dir"),
		OffloadThreshold:     v.GetInt("storage.threshold"),
		DisableTestCatalogue: v.GetBool("runtime.disable_test"),
		SecureSalt:           v.GetString("secure.salt"),
		SecurePassword:       v.GetString("secure.password"),
		HeartbeatInterval:    v.GetDuration("runtime.heartbeat"),
		MetricsPort:          v.GetInt("runtime.metrics_port"),
		XComPath:             v.GetString("standalone.xcom_path"),
	}
	return cfg, nil
}
