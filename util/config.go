package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const Name = "trailpost"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host       string
		HttpPort   int    `yaml:"httpPort"`
		SslDomain  string `yaml:"sslDomain"`
		DbPath     string `yaml:"dbPath"`
		StorageDir string `yaml:"storageDir"`
	}
	Queue struct {
		RedisAddr   string `yaml:"redisAddr"`
		Name        string `yaml:"name"`
		MaxAttempts int    `yaml:"maxAttempts"`
		Workers     int    `yaml:"workers"`
	}
	Fetch struct {
		TimeoutSeconds    int     `yaml:"timeoutSeconds"`
		RequestsPerSecond float64 `yaml:"requestsPerSecond"`
		Burst             int     `yaml:"burst"`
		MaxBodyBytes      int64   `yaml:"maxBodyBytes"`
	}
	Storage struct {
		Backend         string `yaml:"backend"` // "local" or "gcs"
		Bucket          string `yaml:"bucket"`
		CredentialsFile string `yaml:"credentialsFile"`
	}
	Importer struct {
		BatchSize       int `yaml:"batchSize"`
		PointBudget     int `yaml:"pointBudget"`
		MaxMediaRetries int `yaml:"maxMediaRetries"`
		// StaleMinutes is how long an import may go without a checkpoint
		// before a new import of the same actor replaces it.
		StaleMinutes    int `yaml:"staleMinutes"`
	}
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if c.Conf.DbPath != ":memory:" {
		c.Conf.DbPath = ResolveFilePath(c.Conf.DbPath)
	}
	c.Conf.StorageDir = ResolveDirPath(c.Conf.StorageDir)

	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("TRAILPOST_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("TRAILPOST_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRAILPOST_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("TRAILPOST_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("TRAILPOST_DB_PATH"); v != "" {
		c.Conf.DbPath = v
	}
	if v := os.Getenv("TRAILPOST_STORAGE_DIR"); v != "" {
		c.Conf.StorageDir = v
	}
	if v := os.Getenv("TRAILPOST_REDIS_ADDR"); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := os.Getenv("TRAILPOST_WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRAILPOST_WORKERS: %w", err)
		}
		c.Queue.Workers = workers
	}
	if v := os.Getenv("TRAILPOST_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("TRAILPOST_GCS_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
	if v := os.Getenv("TRAILPOST_GCS_CREDENTIALS"); v != "" {
		c.Storage.CredentialsFile = v
	}
	if v := os.Getenv("TRAILPOST_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if os.Getenv("TRAILPOST_LOG_DEVELOPMENT") == "true" {
		c.Log.Development = true
	}
	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.DbPath == "" {
		c.Conf.DbPath = "database.db"
	}
	if c.Conf.StorageDir == "" {
		c.Conf.StorageDir = "data"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "jobs"
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 10
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		c.Fetch.TimeoutSeconds = 10
	}
	if c.Fetch.RequestsPerSecond <= 0 {
		c.Fetch.RequestsPerSecond = 5
	}
	if c.Fetch.Burst <= 0 {
		c.Fetch.Burst = 10
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		c.Fetch.MaxBodyBytes = 1 << 20
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Importer.BatchSize <= 0 {
		c.Importer.BatchSize = 25
	}
	if c.Importer.PointBudget <= 0 {
		c.Importer.PointBudget = 200
	}
	if c.Importer.MaxMediaRetries <= 0 {
		c.Importer.MaxMediaRetries = 3
	}
	if c.Importer.StaleMinutes <= 0 {
		c.Importer.StaleMinutes = 360
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
