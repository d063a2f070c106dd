package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Environment string   `yaml:"environment"`
	APIBaseURL  string   `yaml:"api_base_url"`
	Namespace   string   `yaml:"namespace"`
	SkipTables  []string `yaml:"skip_tables"`

	AWS     AWS     `yaml:"aws"`
	Secrets Secrets `yaml:"secrets"`
	Admin   Admin   `yaml:"admin"`
	Sync    Sync    `yaml:"sync"`
	Ledger  Ledger  `yaml:"ledger"`
	Metrics Metrics `yaml:"metrics"`
	Report  Report  `yaml:"report"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// AWS holds the region used by every AWS client
type AWS struct {
	Region string `yaml:"region"`
}

// Secrets describes where credentials are resolved from
type Secrets struct {
	DBUserSecretName string        `yaml:"db_user_secret_name"`
	ParameterMaxAge  time.Duration `yaml:"parameter_max_age"`
}

// Admin describes the RDS Data API handles used for administrative SQL
type Admin struct {
	ClusterARN string `yaml:"cluster_arn"`
	SecretARN  string `yaml:"secret_arn"`
	Database   string `yaml:"database"`
}

// Sync holds orchestration settings
type Sync struct {
	Concurrency   int           `yaml:"concurrency"`
	StrictRestore bool          `yaml:"strict_restore"`
	AutoInit      bool          `yaml:"auto_init"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Ledger configures the local attempt ledger
type Ledger struct {
	Path string `yaml:"path"`
}

// Metrics configures metric exposition
type Metrics struct {
	ListenAddr     string `yaml:"listen_addr"`
	PushgatewayURL string `yaml:"pushgateway_url"`
}

// Report configures the S3-compatible run report archive
type Report struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// ParameterPath is the SSM path holding the DAP client credentials
func (c *Config) ParameterPath() string {
	return fmt.Sprintf("/%s/canvas_data_2", c.Environment)
}

// SkipSet returns skip_tables as a lookup set
func (c *Config) SkipSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.SkipTables))
	for _, t := range c.SkipTables {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// ReportEnabled reports whether run reports should be archived
func (c *Config) ReportEnabled() bool {
	return c.Report.Bucket != ""
}

// Default returns the configuration used before any file, env or flag is applied
func Default() *Config {
	return &Config{
		Environment: "dev",
		APIBaseURL:  "https://api-gateway.instructure.com",
		Namespace:   "canvas",
		Secrets: Secrets{
			ParameterMaxAge: 600 * time.Second,
		},
		Admin: Admin{
			Database: "cd2",
		},
		Sync: Sync{
			Concurrency: 4,
			AutoInit:    true,
		},
		Ledger: Ledger{
			Path: "./cd2sync.db",
		},
		Report: Report{
			Secure: true,
			Prefix: "reports/",
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load loads configuration from file, environment and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// A missing .env is the normal case outside local development
	_ = godotenv.Load()
	loadFromEnv(cfg)

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromEnv(cfg *Config) {
	setFromEnv(&cfg.Environment, "ENV")
	setFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	setFromEnv(&cfg.Namespace, "NAMESPACE")
	setFromEnv(&cfg.AWS.Region, "AWS_REGION")
	setFromEnv(&cfg.Secrets.DBUserSecretName, "DB_USER_SECRET_NAME")
	setFromEnv(&cfg.Admin.ClusterARN, "DB_CLUSTER_ARN")
	setFromEnv(&cfg.Admin.SecretARN, "ADMIN_SECRET_ARN")
	setFromEnv(&cfg.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("SKIP_TABLES"); v != "" {
		cfg.SkipTables = splitList(v)
	}
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("env") {
		cfg.Environment, _ = flags.GetString("env")
	}
	if flags.Changed("api-base-url") {
		cfg.APIBaseURL, _ = flags.GetString("api-base-url")
	}
	if flags.Changed("namespace") {
		cfg.Namespace, _ = flags.GetString("namespace")
	}
	if flags.Changed("skip-tables") {
		cfg.SkipTables, _ = flags.GetStringSlice("skip-tables")
	}
	if flags.Changed("region") {
		cfg.AWS.Region, _ = flags.GetString("region")
	}
	if flags.Changed("db-user-secret") {
		cfg.Secrets.DBUserSecretName, _ = flags.GetString("db-user-secret")
	}
	if flags.Changed("cluster-arn") {
		cfg.Admin.ClusterARN, _ = flags.GetString("cluster-arn")
	}
	if flags.Changed("admin-secret-arn") {
		cfg.Admin.SecretARN, _ = flags.GetString("admin-secret-arn")
	}
	if flags.Changed("admin-database") {
		cfg.Admin.Database, _ = flags.GetString("admin-database")
	}
	if flags.Changed("concurrency") {
		cfg.Sync.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("strict-restore") {
		cfg.Sync.StrictRestore, _ = flags.GetBool("strict-restore")
	}
	if flags.Changed("auto-init") {
		cfg.Sync.AutoInit, _ = flags.GetBool("auto-init")
	}
	if flags.Changed("timeout") {
		cfg.Sync.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Path, _ = flags.GetString("ledger")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.ListenAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("pushgateway") {
		cfg.Metrics.PushgatewayURL, _ = flags.GetString("pushgateway")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api_base_url must be an absolute URL, got %q", c.APIBaseURL)
	}

	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Sync.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console")
	}

	if c.ReportEnabled() && c.Report.Endpoint == "" {
		return fmt.Errorf("report endpoint is required when report bucket is set")
	}

	return nil
}

// RequireDatabase checks the settings needed to open the destination database
func (c *Config) RequireDatabase() error {
	if c.Secrets.DBUserSecretName == "" {
		return errors.New("db_user_secret_name is required")
	}
	return nil
}

// RequireAdmin checks the settings needed for administrative SQL
func (c *Config) RequireAdmin() error {
	if c.Admin.ClusterARN == "" {
		return errors.New("admin cluster_arn is required")
	}
	if c.Admin.SecretARN == "" {
		return errors.New("admin secret_arn is required")
	}
	if c.Admin.Database == "" {
		return errors.New("admin database is required")
	}
	return nil
}
