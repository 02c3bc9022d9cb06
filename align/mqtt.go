package align

import (
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const defaultClientID = "cloudalign"

// ResolveMQTTConfig applies MQTT_* environment overrides to cfg.
// Environment values win over the file.
func ResolveMQTTConfig(cfg MQTTConfig) MQTTConfig {
	override := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	override(&cfg.Broker, "MQTT_BROKER")
	override(&cfg.ClientID, "MQTT_CLIENT_ID")
	override(&cfg.Username, "MQTT_USERNAME")
	override(&cfg.Password, "MQTT_PASSWORD")
	override(&cfg.PublishPrefix, "MQTT_PUBLISH_PREFIX")
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.PublishPrefix == "" {
		cfg.PublishPrefix = defaultPublishPrefix
	}
	return cfg
}

// ClientOptions builds paho options for cfg.
func ClientOptions(cfg MQTTConfig, logger *zap.SugaredLogger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(true) // steps must arrive in iteration order

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Infow("MQTT connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnw("MQTT connection lost", "error", err)
	})
	return opts
}

// ConnectMQTT connects a client for cfg after applying environment
// overrides. An empty broker disables MQTT and yields (nil, nil).
func ConnectMQTT(cfg MQTTConfig, timeout time.Duration, logger *zap.SugaredLogger) (mqtt.Client, MQTTConfig, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = ResolveMQTTConfig(cfg)
	if cfg.Broker == "" {
		logger.Debug("MQTT disabled: no broker configured")
		return nil, cfg, nil
	}

	client := mqtt.NewClient(ClientOptions(cfg, logger))
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, cfg, fmt.Errorf("connecting to %s: timed out after %s", cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, cfg, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	return client, cfg, nil
}
