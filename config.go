package pollconn

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Target     string           `yaml:"target"`
	Properties Proplist         `yaml:"properties"`
	Connection ConnectionConfig `yaml:"connection"`
	Valkey     ValkeyConfig     `yaml:"valkey"`
}

type ConnectionConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	MsgBufferSize    int           `yaml:"msg_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type ValkeyConfig struct {
	ReplyChannel     string        `yaml:"reply_channel"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		Properties: Proplist{
			"application.name": "pollconn",
		},
		Connection: ConnectionConfig{
			BatchSize:        64,
			MsgBufferSize:    1024,
			HandshakeTimeout: 10 * time.Second,
		},
		Valkey: ValkeyConfig{
			SubscribeTimeout: 5 * time.Second,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig overlays YAML onto the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Options() []Option {
	opts := []Option{
		WithBatchSize(c.Connection.BatchSize),
		WithMsgBufferSize(c.Connection.MsgBufferSize),
		WithHandshakeTimeout(c.Connection.HandshakeTimeout),
		WithSubscribeTimeout(c.Valkey.SubscribeTimeout),
	}
	if c.Valkey.ReplyChannel != "" {
		opts = append(opts, WithReplyChannel(c.Valkey.ReplyChannel))
	}
	return opts
}
