package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AccountConfig holds one trading account's credentials and endpoints.
// Keys may be left empty in YAML and supplied via environment variables
// (BYBIT_PRIMARY_API_KEY etc), loaded from .env when present.
type AccountConfig struct {
	Name         string `yaml:"name"`
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	RESTEndpoint string `yaml:"rest_endpoint"`
	WSEndpoint   string `yaml:"ws_endpoint"`
}

type MonitorConfig struct {
	TickIntervalMs    int       `yaml:"tick_interval_ms"`
	SweepIntervalMs   int       `yaml:"sweep_interval_ms"`
	TPSplit           []float64 `yaml:"tp_split"`
	BreakevenBuffer   float64   `yaml:"breakeven_buffer"`
	FirstTPBreakeven  bool      `yaml:"first_tp_breakeven"`
	QtyStep           float64   `yaml:"qty_step"`
	MinQty            float64   `yaml:"min_qty"`
	MaxOrderMutations int64     `yaml:"max_order_mutations"`
	ReloadSignalPath  string    `yaml:"reload_signal_path"`
}

type StoreConfig struct {
	Path                     string `yaml:"path"`
	BackupDir                string `yaml:"backup_dir"`
	BackupRetention          int    `yaml:"backup_retention"`
	IntegrityCheckIntervalMs int    `yaml:"integrity_check_interval_ms"`
}

type Config struct {
	Primary AccountConfig `yaml:"primary"`
	Mirror  AccountConfig `yaml:"mirror"`
	Monitor MonitorConfig `yaml:"monitor"`
	Store   StoreConfig   `yaml:"store"`
	Audit   struct {
		Path string `yaml:"path"`
	} `yaml:"audit"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Metrics struct {
		Port int `yaml:"port"`
	} `yaml:"metrics"`
}

// Load reads the YAML config, overlays secrets from the environment and
// validates the result. A .env file next to the process is honored.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg.overlayEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overlayEnv() {
	if v := os.Getenv("BYBIT_PRIMARY_API_KEY"); v != "" {
		c.Primary.APIKey = v
	}
	if v := os.Getenv("BYBIT_PRIMARY_API_SECRET"); v != "" {
		c.Primary.APISecret = v
	}
	if v := os.Getenv("BYBIT_MIRROR_API_KEY"); v != "" {
		c.Mirror.APIKey = v
	}
	if v := os.Getenv("BYBIT_MIRROR_API_SECRET"); v != "" {
		c.Mirror.APISecret = v
	}
}

func (c *Config) ApplyDefaults() {
	if c.Primary.Name == "" {
		c.Primary.Name = "primary"
	}
	if c.Mirror.Name == "" {
		c.Mirror.Name = "mirror"
	}
	if c.Primary.RESTEndpoint == "" {
		c.Primary.RESTEndpoint = "https://api.bybit.com"
	}
	if c.Mirror.RESTEndpoint == "" {
		c.Mirror.RESTEndpoint = "https://api.bybit.com"
	}
	if c.Primary.WSEndpoint == "" {
		c.Primary.WSEndpoint = "wss://stream.bybit.com/v5/private"
	}
	if c.Mirror.WSEndpoint == "" {
		c.Mirror.WSEndpoint = "wss://stream.bybit.com/v5/private"
	}
	if c.Monitor.TickIntervalMs == 0 {
		c.Monitor.TickIntervalMs = 8000
	}
	if c.Monitor.SweepIntervalMs == 0 {
		c.Monitor.SweepIntervalMs = 300000
	}
	if len(c.Monitor.TPSplit) == 0 {
		c.Monitor.TPSplit = []float64{0.85, 0.05, 0.05, 0.05}
	}
	if c.Monitor.BreakevenBuffer == 0 {
		c.Monitor.BreakevenBuffer = 0.0006
	}
	if c.Monitor.MaxOrderMutations == 0 {
		c.Monitor.MaxOrderMutations = 4
	}
	if c.Monitor.QtyStep == 0 {
		c.Monitor.QtyStep = 0.001
	}
	if c.Monitor.MinQty == 0 {
		c.Monitor.MinQty = 0.001
	}
	if c.Monitor.ReloadSignalPath == "" {
		c.Monitor.ReloadSignalPath = "reload.signal"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/monitors"
	}
	if c.Store.BackupDir == "" {
		c.Store.BackupDir = "data/backups"
	}
	if c.Store.BackupRetention == 0 {
		c.Store.BackupRetention = 10
	}
	if c.Store.IntegrityCheckIntervalMs == 0 {
		c.Store.IntegrityCheckIntervalMs = 600000
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9189
	}
}

func (c *Config) Validate() error {
	if c.Monitor.TickIntervalMs < 1000 {
		return fmt.Errorf("config: tick_interval_ms must be >= 1000, got %d", c.Monitor.TickIntervalMs)
	}
	if c.Monitor.SweepIntervalMs <= c.Monitor.TickIntervalMs {
		return fmt.Errorf("config: sweep_interval_ms must exceed tick_interval_ms")
	}
	if c.Monitor.MaxOrderMutations <= 0 {
		return fmt.Errorf("config: max_order_mutations must be positive")
	}
	sum := decimal.Zero
	for i, pct := range c.Monitor.TPSplit {
		if pct <= 0 {
			return fmt.Errorf("config: tp_split[%d] must be positive, got %f", i, pct)
		}
		sum = sum.Add(decimal.NewFromFloat(pct))
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: tp_split must sum to 1, got %s", sum)
	}
	if c.Monitor.BreakevenBuffer < 0 || c.Monitor.BreakevenBuffer > 0.01 {
		return fmt.Errorf("config: breakeven_buffer out of range [0, 0.01]: %f", c.Monitor.BreakevenBuffer)
	}
	if c.Store.BackupRetention < 1 {
		return fmt.Errorf("config: backup_retention must be >= 1")
	}
	if c.Monitor.QtyStep <= 0 {
		return fmt.Errorf("config: qty_step must be positive")
	}
	if c.Monitor.MinQty < 0 {
		return fmt.Errorf("config: min_qty must not be negative")
	}
	return nil
}

// TPSplitDecimals converts the configured split to decimals.
func (c *Config) TPSplitDecimals() []decimal.Decimal {
	out := make([]decimal.Decimal, len(c.Monitor.TPSplit))
	for i, pct := range c.Monitor.TPSplit {
		out[i] = decimal.NewFromFloat(pct)
	}
	return out
}
