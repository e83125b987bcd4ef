package config

import "time"

func getDefaultConfig() *IndexerConfig {
	return &IndexerConfig{
		LogLevel:  "INFO",
		LogFormat: "text",
		Prometheus: &PrometheusConfig{
			Enabled:  false,
			Addr:     "localhost:2112",
			Endpoint: "/metrics",
		},
		Db: &DbConfig{
			Mode: "sqlite",
			Sqlite: &SqliteConfig{
				Path:        "./data",
				InMemory:    false,
				CacheSizeKb: 128000,
			},
		},
		Api: &ApiConfig{
			ListenAddr: "localhost:8000",
		},
		Crawler: &CrawlerConfig{
			PollInterval:       time.Second,
			MempoolExpiry:      24 * time.Hour,
			MempoolExpiryCheck: 10 * time.Minute,
			ReorgDepth:         2,
		},
		NodeRpc: &NodeRpcConfig{
			Host:                "localhost",
			Port:                8332,
			User:                "bitcoin",
			Password:            "bitcoin",
			UseSSL:              false,
			MempoolPollInterval: 10 * time.Second,
		},
		Webhook: &WebhookConfig{
			URL:            "",
			MaxElapsedTime: time.Minute,
		},
		Mq: &MqConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
		},
	}
}
