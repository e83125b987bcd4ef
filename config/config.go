package config

import (
	"time"
)

type IndexerConfig struct {
	LogLevel   string            `json:"logLevel" mapstructure:"logLevel"`
	LogFormat  string            `json:"logFormat" mapstructure:"logFormat"`
	Prometheus *PrometheusConfig `json:"prometheus" mapstructure:"prometheus"`
	Db         *DbConfig         `json:"db" mapstructure:"db"`
	Api        *ApiConfig        `json:"api" mapstructure:"api"`
	Crawler    *CrawlerConfig    `json:"crawler" mapstructure:"crawler"`
	NodeRpc    *NodeRpcConfig    `json:"nodeRpc" mapstructure:"nodeRpc"`
	Webhook    *WebhookConfig    `json:"webhook" mapstructure:"webhook"`
	Mq         *MqConfig         `json:"mq" mapstructure:"mq"`
}

type PrometheusConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Addr     string `json:"addr" mapstructure:"addr"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
}

func (p *PrometheusConfig) IsEnabled() bool {
	return p != nil && p.Enabled && p.Endpoint != "" && p.Addr != ""
}

type DbConfig struct {
	Mode   string        `json:"mode" mapstructure:"mode"`
	Sqlite *SqliteConfig `json:"sqlite" mapstructure:"sqlite"`
}

type SqliteConfig struct {
	Path        string `json:"path" mapstructure:"path"`
	InMemory    bool   `json:"inMemory" mapstructure:"inMemory"`
	CacheSizeKb int    `json:"cacheSizeKb" mapstructure:"cacheSizeKb"`
}

type ApiConfig struct {
	ListenAddr string `json:"listenAddr" mapstructure:"listenAddr"`
}

type CrawlerConfig struct {
	PollInterval       time.Duration `json:"pollInterval" mapstructure:"pollInterval"`
	MempoolExpiry      time.Duration `json:"mempoolExpiry" mapstructure:"mempoolExpiry"`
	MempoolExpiryCheck time.Duration `json:"mempoolExpiryCheck" mapstructure:"mempoolExpiryCheck"`
	ReorgDepth         int64         `json:"reorgDepth" mapstructure:"reorgDepth"`
}

type NodeRpcConfig struct {
	Host                string        `json:"host" mapstructure:"host"`
	Port                int           `json:"port" mapstructure:"port"`
	User                string        `json:"user" mapstructure:"user"`
	Password            string        `json:"password" mapstructure:"password"`
	UseSSL              bool          `json:"useSSL" mapstructure:"useSSL"`
	MempoolPollInterval time.Duration `json:"mempoolPollInterval" mapstructure:"mempoolPollInterval"`
}

type WebhookConfig struct {
	URL            string        `json:"url" mapstructure:"url"`
	MaxElapsedTime time.Duration `json:"maxElapsedTime" mapstructure:"maxElapsedTime"`
}

type MqConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
}
