// Copyright 2026 The Fightclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the Fightclaw core configuration.
type Config interface {
	GetName() string
	GetLogger() *LoggerConfig
	GetAPI() *APIConfig
	GetSocket() *SocketConfig
	GetDatabase() *DatabaseConfig
	GetMatch() *MatchConfig
	GetMatchmaker() *MatchmakerConfig
	GetLeaderboard() *LeaderboardConfig
	GetMetrics() *MetricsConfig
}

func ParseArgs(logger *zap.Logger, args []string) Config {
	config := NewConfig()

	flagSet := flag.NewFlagSet("fightclaw", flag.ExitOnError)
	configPath := flagSet.String("config", "", "The absolute file path to configuration YAML file.")
	flagSet.StringVar(&config.API.AdminKey, "api.admin_key", config.API.AdminKey, "Shared secret authorizing admin routes.")
	flagSet.StringVar(&config.Database.Address, "database.address", config.Database.Address, "Fully qualified address of the Postgres server (username:password@address:port/dbname).")
	flagSet.IntVar(&config.API.Port, "api.port", config.API.Port, "The port for accepting client connections, listening on all interfaces.")
	flagSet.IntVar(&config.Metrics.Port, "metrics.port", config.Metrics.Port, "The port for serving Prometheus metrics, 0 to disable.")
	flagSet.StringVar(&config.Logger.Level, "logger.level", config.Logger.Level, "Log level, one of: DEBUG, INFO, WARN, ERROR.")
	if err := flagSet.Parse(args[1:]); err != nil {
		logger.Error("Could not parse command line arguments", zap.Error(err))
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Fatal("Could not read config file", zap.String("path", *configPath), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			logger.Fatal("Could not parse config file", zap.String("path", *configPath), zap.Error(err))
		}
	}

	config.applyEnvOverrides(logger)
	config.validate(logger)
	return config
}

type config struct {
	Name        string             `yaml:"name" json:"name" usage:"Fightclaw node name - must be unique."`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	API         *APIConfig         `yaml:"api" json:"api" usage:"API server settings."`
	Socket      *SocketConfig      `yaml:"socket" json:"socket" usage:"Streaming socket settings."`
	Database    *DatabaseConfig    `yaml:"database" json:"database" usage:"Database connection settings."`
	Match       *MatchConfig       `yaml:"match" json:"match" usage:"Match actor settings."`
	Matchmaker  *MatchmakerConfig  `yaml:"matchmaker" json:"matchmaker" usage:"Matchmaker settings."`
	Leaderboard *LeaderboardConfig `yaml:"leaderboard" json:"leaderboard" usage:"Rating settings."`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
}

// NewConfig constructs a config struct populated with default server settings.
func NewConfig() *config {
	nodeName := "fightclaw-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[3]
	return &config{
		Name:        nodeName,
		Logger:      NewLoggerConfig(),
		API:         NewAPIConfig(),
		Socket:      NewSocketConfig(),
		Database:    NewDatabaseConfig(),
		Match:       NewMatchConfig(),
		Matchmaker:  NewMatchmakerConfig(),
		Leaderboard: NewLeaderboardConfig(),
		Metrics:     NewMetricsConfig(),
	}
}

// Environment variables take precedence over both the YAML file and flags.
func (c *config) applyEnvOverrides(logger *zap.Logger) {
	if v := os.Getenv("API_KEY_PEPPER"); v != "" {
		c.API.KeyPepper = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		c.API.AdminKey = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.API.CORSOrigin = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.Address = v
	}
	envInt := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Fatal("Environment override must be an integer", zap.String("name", name), zap.String("value", v))
		}
		*dst = n
	}
	envInt("MATCH_TURN_TIMEOUT_MS", &c.Match.TurnTimeoutMs)
	envInt("MATCH_DISCONNECT_GRACE_MS", &c.Match.DisconnectGraceMs)
	envInt("EVENT_WAIT_TIMEOUT_MAX_S", &c.Matchmaker.EventWaitTimeoutMaxS)
	envInt("PER_AGENT_EVENT_BUFFER_MAX", &c.Matchmaker.EventBufferMax)
	envInt("SUBSCRIBER_BACKLOG_MAX", &c.Match.SubscriberBacklogMax)
}

func (c *config) validate(logger *zap.Logger) {
	if c.API.KeyPepper == "" {
		logger.Fatal("API key pepper must be set, use the API_KEY_PEPPER environment variable")
	}
	if c.Match.TurnTimeoutMs <= 0 {
		logger.Fatal("Turn timeout must be a positive number of milliseconds")
	}
	if c.Match.DisconnectGraceMs <= 0 {
		logger.Fatal("Disconnect grace must be a positive number of milliseconds")
	}
	if c.Matchmaker.EventBufferMax <= 0 {
		logger.Fatal("Per-agent event buffer size must be positive")
	}
	if c.Match.SubscriberBacklogMax <= 0 {
		logger.Fatal("Subscriber backlog size must be positive")
	}
	if c.Leaderboard.EloK <= 0 {
		logger.Fatal("Elo K factor must be positive")
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetAPI() *APIConfig {
	return c.API
}

func (c *config) GetSocket() *SocketConfig {
	return c.Socket
}

func (c *config) GetDatabase() *DatabaseConfig {
	return c.Database
}

func (c *config) GetMatch() *MatchConfig {
	return c.Match
}

func (c *config) GetMatchmaker() *MatchmakerConfig {
	return c.Matchmaker
}

func (c *config) GetLeaderboard() *LeaderboardConfig {
	return c.Leaderboard
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level  string `yaml:"level" json:"level" usage:"Log level, one of: DEBUG, INFO, WARN, ERROR."`
	File   string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if also set). Rotated by size."`
	Stdout bool   `yaml:"stdout" json:"stdout" usage:"Log to stdout as well as the file output."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:  "info",
		File:   "",
		Stdout: true,
	}
}

// APIConfig is configuration relevant to the HTTP API surface.
type APIConfig struct {
	Port             int    `yaml:"port" json:"port" usage:"The port for accepting connections from clients, listening on all interfaces."`
	KeyPepper        string `yaml:"key_pepper" json:"key_pepper" usage:"Process-wide pepper mixed into API key hashes."`
	AdminKey         string `yaml:"admin_key" json:"admin_key" usage:"Shared secret authorizing verify and finish operations."`
	CORSOrigin       string `yaml:"cors_origin" json:"cors_origin" usage:"Allowed CORS origin for browser spectators."`
	ReadTimeoutMs    int    `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Maximum duration in milliseconds for reading the entire request."`
	IdleTimeoutMs    int    `yaml:"idle_timeout_ms" json:"idle_timeout_ms" usage:"Maximum amount of time in milliseconds to wait for the next request when keep-alives are enabled."`
	HandlerTimeoutMs int    `yaml:"handler_timeout_ms" json:"handler_timeout_ms" usage:"Deadline in milliseconds inherited by actor operations from non-streaming requests."`
}

func NewAPIConfig() *APIConfig {
	return &APIConfig{
		Port:             7350,
		KeyPepper:        "",
		AdminKey:         "",
		CORSOrigin:       "*",
		ReadTimeoutMs:    10000,
		IdleTimeoutMs:    60000,
		HandlerTimeoutMs: 10000,
	}
}

// SocketConfig is configuration relevant to the streaming transports.
type SocketConfig struct {
	MaxMessageSizeBytes int64 `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from the client socket per message."`
	WriteWaitMs         int   `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds to wait for an ack from the client when writing data."`
	PongWaitMs          int   `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait for a pong message from the client after sending a ping."`
	PingPeriodMs        int   `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds to wait between client ping messages. This value must be less than the pong_wait_ms."`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		MaxMessageSizeBytes: 4096,
		WriteWaitMs:         5000,
		PongWaitMs:          10000,
		PingPeriodMs:        8000,
	}
}

// DatabaseConfig is configuration relevant to the Postgres storage.
type DatabaseConfig struct {
	Address           string `yaml:"address" json:"address" usage:"Fully qualified address of the Postgres server (username:password@address:port/dbname)."`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Time in milliseconds to reuse a database connection before the connection is killed and a new one is created."`
	MaxOpenConns      int    `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum number of allowed open connections to the database."`
	MaxIdleConns      int    `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum number of allowed open but unused connections to the database."`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Address:           "postgres@localhost:5432/fightclaw",
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      100,
		MaxIdleConns:      100,
	}
}

// MatchConfig is configuration relevant to match actors.
type MatchConfig struct {
	TurnTimeoutMs        int `yaml:"turn_timeout_ms" json:"turn_timeout_ms" usage:"Time in milliseconds the active agent has to submit a move before forfeiting."`
	DisconnectGraceMs    int `yaml:"disconnect_grace_ms" json:"disconnect_grace_ms" usage:"Time in milliseconds an agent may have no live streaming connections before forfeiting."`
	IdleGraceMs          int `yaml:"idle_grace_ms" json:"idle_grace_ms" usage:"Time in milliseconds an ended match actor keeps serving reads before it is released."`
	CallQueueSize        int `yaml:"call_queue_size" json:"call_queue_size" usage:"Size of the match actor operation queue."`
	SubscriberBacklogMax int `yaml:"subscriber_backlog_max" json:"subscriber_backlog_max" usage:"Pending events allowed per subscriber before it is dropped."`
}

func NewMatchConfig() *MatchConfig {
	return &MatchConfig{
		TurnTimeoutMs:        30000,
		DisconnectGraceMs:    15000,
		IdleGraceMs:          600000,
		CallQueueSize:        128,
		SubscriberBacklogMax: 256,
	}
}

// MatchmakerConfig is configuration relevant to the matchmaker singleton.
type MatchmakerConfig struct {
	EventBufferMax       int `yaml:"event_buffer_max" json:"event_buffer_max" usage:"Pairing notifications buffered per agent, oldest dropped on overflow."`
	EventWaitTimeoutMaxS int `yaml:"event_wait_timeout_max_s" json:"event_wait_timeout_max_s" usage:"Upper bound in seconds on the events long-poll timeout."`
	CallQueueSize        int `yaml:"call_queue_size" json:"call_queue_size" usage:"Size of the matchmaker operation queue."`
}

func NewMatchmakerConfig() *MatchmakerConfig {
	return &MatchmakerConfig{
		EventBufferMax:       25,
		EventWaitTimeoutMaxS: 30,
		CallQueueSize:        256,
	}
}

// LeaderboardConfig is configuration relevant to the rating update rule.
type LeaderboardConfig struct {
	EloK          int `yaml:"elo_k" json:"elo_k" usage:"Elo K factor applied on match end."`
	DefaultRating int `yaml:"default_rating" json:"default_rating" usage:"Rating assigned to agents with no leaderboard row."`
}

func NewLeaderboardConfig() *LeaderboardConfig {
	return &LeaderboardConfig{
		EloK:          32,
		DefaultRating: 1500,
	}
}

// MetricsConfig is configuration relevant to the Prometheus endpoint.
type MetricsConfig struct {
	Port int `yaml:"port" json:"port" usage:"The port for serving Prometheus metrics, 0 to disable."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Port: 0,
	}
}
