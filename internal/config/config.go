package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration settings.
type Config struct {
	// Evergreen API configuration
	Evergreen EvergreenConfig `yaml:"evergreen" mapstructure:"evergreen"`

	// Flip detection settings
	Find FindConfig `yaml:"find" mapstructure:"find"`
}

type EvergreenConfig struct {
	APIServer string `yaml:"api_server" mapstructure:"api_server"`
	User      string `yaml:"user" mapstructure:"user"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	RateLimit int    `yaml:"rate_limit" mapstructure:"rate_limit"` // Requests per second
}

type FindConfig struct {
	Workers  int           `yaml:"workers" mapstructure:"workers"`
	LookBack time.Duration `yaml:"look_back" mapstructure:"look_back"`
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Evergreen: EvergreenConfig{
			APIServer: "https://evergreen.mongodb.com/api",
			RateLimit: 10,
		},
		Find: FindConfig{
			Workers:  16,
			LookBack: 14 * 24 * time.Hour,
		},
	}
}

// Load loads configuration from file, environment files, and
// environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("evergreen", cfg.Evergreen)
	v.SetDefault("find", cfg.Find)

	v.SetEnvPrefix("EVGFLIP")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".evgflip")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".evgflip"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence.
func loadEnvFiles() {
	envFiles := []string{
		".env.local",
		".env",
	}

	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}

	homeDir, _ := os.UserHomeDir()
	homeEnvFile := filepath.Join(homeDir, ".evgflip", ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		godotenv.Load(homeEnvFile)
	}
}

// applyEnvOverrides applies environment variable overrides to config.
// These match the variable names the Evergreen CLI tooling uses.
func applyEnvOverrides(cfg *Config) {
	if server := os.Getenv("EVERGREEN_API_SERVER"); server != "" {
		cfg.Evergreen.APIServer = server
	}
	if user := os.Getenv("EVERGREEN_API_USER"); user != "" {
		cfg.Evergreen.User = user
	}
	if key := os.Getenv("EVERGREEN_API_KEY"); key != "" {
		cfg.Evergreen.APIKey = key
	}
	if rateLimit := os.Getenv("EVERGREEN_RATE_LIMIT"); rateLimit != "" {
		if rl, err := strconv.Atoi(rateLimit); err == nil {
			cfg.Evergreen.RateLimit = rl
		}
	}
	if workers := os.Getenv("EVGFLIP_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			cfg.Find.Workers = n
		}
	}
	if lookBack := os.Getenv("EVGFLIP_LOOK_BACK"); lookBack != "" {
		if d, err := time.ParseDuration(lookBack); err == nil {
			cfg.Find.LookBack = d
		}
	}
}
