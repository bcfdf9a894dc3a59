// Package config resolves runtime settings from, in order of
// precedence: environment variables, a .env file, an optional YAML
// config file, then built-in defaults.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	// SigningKeyPath is where the ed25519 capability signing key lives;
	// a missing file is generated on first start.
	SigningKeyPath string
	AdminToken     string

	// RunSubject is the subject run tokens are minted for; it must be
	// present in the rights directory.
	RunSubject string
	TokenTTL   time.Duration

	CancelGrace time.Duration

	RetentionCron string
	ContextTTL    time.Duration
	TaskTTL       time.Duration
}

// fileConfig is the YAML shape of the optional config file.
type fileConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	DataDir        string `yaml:"data_dir"`
	DBPath         string `yaml:"db_path"`
	SigningKeyPath string `yaml:"signing_key_path"`
	AdminToken     string `yaml:"admin_token"`
	RunSubject     string `yaml:"run_subject"`
	TokenTTL       string `yaml:"token_ttl"`
	CancelGrace    string `yaml:"cancel_grace"`
	Retention      struct {
		Cron       string `yaml:"cron"`
		ContextTTL string `yaml:"context_ttl"`
		TaskTTL    string `yaml:"task_ttl"`
	} `yaml:"retention"`
}

// Load resolves the configuration. path names the YAML file; empty
// falls back to INLET_CONFIG or inlet.yaml, and a missing file is fine.
func Load(path string) (Config, error) {
	loadDotEnv(".env")

	if path == "" {
		path = getEnv("INLET_CONFIG", "inlet.yaml")
	}
	var file fileConfig
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	dataDir := getEnv("INLET_DATA_DIR", fallback(file.DataDir, "data"))
	cfg := Config{
		HTTPAddr:       getEnv("INLET_HTTP_ADDR", fallback(file.HTTPAddr, ":8080")),
		DataDir:        dataDir,
		DBPath:         getEnv("INLET_DB_PATH", fallback(file.DBPath, filepath.Join(dataDir, "inlet.db"))),
		SigningKeyPath: getEnv("INLET_SIGNING_KEY", fallback(file.SigningKeyPath, filepath.Join(dataDir, "signing.key"))),
		AdminToken:     getEnv("INLET_ADMIN_TOKEN", file.AdminToken),
		RunSubject:     getEnv("INLET_RUN_SUBJECT", fallback(file.RunSubject, "agent")),
		RetentionCron:  getEnv("INLET_RETENTION_CRON", fallback(file.Retention.Cron, "0 * * * *")),
	}

	var err error
	if cfg.TokenTTL, err = duration("INLET_TOKEN_TTL", file.TokenTTL, time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.CancelGrace, err = duration("INLET_CANCEL_GRACE", file.CancelGrace, 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ContextTTL, err = duration("INLET_CONTEXT_TTL", file.Retention.ContextTTL, 30*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.TaskTTL, err = duration("INLET_TASK_TTL", file.Retention.TaskTTL, 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func duration(envKey, fileValue string, def time.Duration) (time.Duration, error) {
	raw := getEnv(envKey, fileValue)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", envKey, err)
	}
	return d, nil
}

func fallback(value, def string) string {
	if value != "" {
		return value
	}
	return def
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
