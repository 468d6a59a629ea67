package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the flat configuration for one gateway node. Loaded from a
// yaml file, then overridden by CARELINE_* environment variables for the
// knobs that differ per deployment.
type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Redis   RedisConfig   `yaml:"redis"`
	Nats    NatsConfig    `yaml:"nats"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Session SessionConfig `yaml:"session"`
	Replay  ReplayConfig  `yaml:"replay"`
	Auth    AuthConfig    `yaml:"auth"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`       // listen address, e.g. ":8080"
	GatewayID string `yaml:"gateway_id"` // node id, also the NATS relay subject suffix
	NodeID    int64  `yaml:"node_id"`    // snowflake node bits
}

type MongoConfig struct {
	URI         string        `yaml:"uri"`
	Database    string        `yaml:"database"`
	MaxPoolSize uint64        `yaml:"max_pool_size"`
	OpTimeout   time.Duration `yaml:"op_timeout"` // per-call bound; store errors past this surface as StoreUnavailable
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NatsConfig struct {
	URL           string `yaml:"url"`
	RelayPrefix   string `yaml:"relay_prefix"`   // cross-gateway deliver subjects: <prefix>.<gatewayID>
	NotifySubject string `yaml:"notify_subject"` // offline notification sink
}

type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	PersistedTopic string   `yaml:"persisted_topic"` // message.persisted event feed
	Enabled        bool     `yaml:"enabled"`
}

type SessionConfig struct {
	SendQueueSize     int           `yaml:"send_queue_size"` // outbound bound; exceeding it closes the session
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClientTimeout     time.Duration `yaml:"client_timeout"` // no pong for this long -> close
	PresenceTTL       time.Duration `yaml:"presence_ttl"`   // redis presence key TTL
}

type ReplayConfig struct {
	ChunkSize int `yaml:"chunk_size"` // backlog messages per backlog frame
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Alg       string `yaml:"alg"` // HS256/HS384/HS512
}

// Load reads the yaml file (optional), applies env overrides, then defaults.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.norm()
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("CARELINE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CARELINE_GATEWAY_ID"); v != "" {
		c.Server.GatewayID = v
	}
	if v := os.Getenv("CARELINE_NODE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.NodeID = n
		}
	}
	if v := os.Getenv("CARELINE_MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("CARELINE_MONGO_DB"); v != "" {
		c.Mongo.Database = v
	}
	if v := os.Getenv("CARELINE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CARELINE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CARELINE_NATS_URL"); v != "" {
		c.Nats.URL = v
	}
	if v := os.Getenv("CARELINE_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = []string{v}
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("CARELINE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *AppConfig) norm() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.GatewayID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "gateway-1"
		}
		c.Server.GatewayID = host
	}
	if c.Server.NodeID <= 0 {
		c.Server.NodeID = 1
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://localhost:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "careline"
	}
	if c.Mongo.MaxPoolSize == 0 {
		c.Mongo.MaxPoolSize = 20
	}
	if c.Mongo.OpTimeout <= 0 {
		c.Mongo.OpTimeout = 5 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Nats.URL == "" {
		c.Nats.URL = "nats://127.0.0.1:4222"
	}
	if c.Nats.RelayPrefix == "" {
		c.Nats.RelayPrefix = "careline.deliver"
	}
	if c.Nats.NotifySubject == "" {
		c.Nats.NotifySubject = "careline.notify.offline"
	}
	if c.Kafka.PersistedTopic == "" {
		c.Kafka.PersistedTopic = "careline.message.persisted"
	}
	if c.Session.SendQueueSize <= 0 {
		c.Session.SendQueueSize = 256
	}
	if c.Session.WriteTimeout <= 0 {
		c.Session.WriteTimeout = 5 * time.Second
	}
	if c.Session.HeartbeatInterval <= 0 {
		c.Session.HeartbeatInterval = 25 * time.Second
	}
	if c.Session.ClientTimeout <= 0 {
		c.Session.ClientTimeout = 75 * time.Second
	}
	if c.Session.PresenceTTL <= 0 {
		c.Session.PresenceTTL = 2 * c.Session.HeartbeatInterval
	}
	if c.Replay.ChunkSize <= 0 {
		c.Replay.ChunkSize = 200
	}
	if c.Auth.Alg == "" {
		c.Auth.Alg = "HS256"
	}
}
