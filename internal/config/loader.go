package config

import (
	"fmt"
	"time"

	"github.com/nppsupply/velocity/internal/db"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Database db.Config
	Server   ServerConfig
	Worker   WorkerConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string
}

// WorkerConfig holds the background processor settings.
type WorkerConfig struct {
	PollInterval  time.Duration
	Parallelism   int
	ProgressEvery int
	// Staleness is how long a processing job may sit without finishing
	// before an operator restart is allowed.
	Staleness time.Duration
}

// Load reads config.yaml from configPath with VELOCITY_* environment
// overrides (e.g. VELOCITY_DATABASE_HOST, VELOCITY_SERVER_ADDR).
func Load(configPath string) (Config, error) {
	cfg := Config{
		Database: db.DefaultConfig(),
		Server:   ServerConfig{Addr: ":8080"},
		Worker: WorkerConfig{
			PollInterval:  5 * time.Second,
			Parallelism:   8,
			ProgressEvery: 100,
			Staleness:     30 * time.Minute,
		},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("VELOCITY")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")
	v.BindEnv("worker.poll_interval")
	v.BindEnv("worker.parallelism")
	v.BindEnv("worker.progress_every")
	v.BindEnv("worker.staleness")

	if err := v.ReadInConfig(); err != nil {
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("worker.poll_interval") {
		cfg.Worker.PollInterval = v.GetDuration("worker.poll_interval")
	}
	if v.IsSet("worker.parallelism") {
		cfg.Worker.Parallelism = v.GetInt("worker.parallelism")
	}
	if v.IsSet("worker.progress_every") {
		cfg.Worker.ProgressEvery = v.GetInt("worker.progress_every")
	}
	if v.IsSet("worker.staleness") {
		cfg.Worker.Staleness = v.GetDuration("worker.staleness")
	}

	return cfg, nil
}
