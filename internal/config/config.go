package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

type Config struct {
	Server     ServerConfig                `mapstructure:"server"`
	Log        LogConfig                   `mapstructure:"log"`
	Database   DatabaseConfig              `mapstructure:"database"`
	Auth       AuthConfig                  `mapstructure:"auth"`
	Device     DeviceConfig                `mapstructure:"device"`
	CacheClean CacheCleanConfig            `mapstructure:"cache_clean"`
	SearchText map[string]SearchTextConfig `mapstructure:"search_text"`
	Scenarios  ScenariosConfig             `mapstructure:"scenarios"`
	MCP        MCPConfig                   `mapstructure:"mcp"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"` // postgres, sqlite
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	SQLitePath     string `mapstructure:"sqlite_path"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv   string           `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration    `mapstructure:"access_token_ttl"`
	Operators      []OperatorConfig `mapstructure:"operators"`
}

// OperatorConfig is an account allowed to drive runs over the API.
// PasswordHash is an Argon2id hash produced by `cachecleaner hash-password`.
type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"` // admin, operator, viewer
}

type DeviceConfig struct {
	ADBPath      string        `mapstructure:"adb_path"`
	Serial       string        `mapstructure:"serial"`
	DumpPath     string        `mapstructure:"dump_path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	CommandRate  float64       `mapstructure:"command_rate"` // adb commands per second
	CommandBurst int           `mapstructure:"command_burst"`
}

// CacheCleanConfig mirrors the per-run settings. Timeouts are stored in
// whole seconds and converted by RunConfig.
type CacheCleanConfig struct {
	DelayForNextAppTimeout         int           `mapstructure:"delay_for_next_app_timeout"`
	MaxWaitAppTimeout              int           `mapstructure:"max_wait_app_timeout"`
	MaxWaitClearCacheButtonTimeout int           `mapstructure:"max_wait_clear_cache_button_timeout"`
	SettleTimeout                  time.Duration `mapstructure:"settle_timeout"`
	Scenario                       string        `mapstructure:"scenario"`
	Locale                         string        `mapstructure:"locale"`
	AfterClearingCacheStopService  bool          `mapstructure:"after_clearing_cache_stop_service"`
	AfterClearingCacheCloseApp     bool          `mapstructure:"after_clearing_cache_close_app"`
	Filter                         FilterConfig  `mapstructure:"filter"`
}

type FilterConfig struct {
	MinCacheSize          int64 `mapstructure:"min_cache_size"`
	HideDisabledApps      bool  `mapstructure:"hide_disabled_apps"`
	HideIgnoredApps       bool  `mapstructure:"hide_ignored_apps"`
	ShowDialogToIgnoreApp bool  `mapstructure:"show_dialog_to_ignore_app"`
}

// SearchTextConfig holds user overrides for one locale. Empty fields keep
// the built-in labels.
type SearchTextConfig struct {
	ClearCache []string `mapstructure:"clear_cache"`
	Storage    []string `mapstructure:"storage"`
	ClearData  []string `mapstructure:"clear_data"`
	OK         []string `mapstructure:"ok"`
}

type ScenariosConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
	Watch       bool     `mapstructure:"watch"`
}

type MCPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OCC") // Environment Variables mit Prefix OCC_
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Defaults setzen
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "cachecleaner")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.sqlite_path", "cachecleaner.db")

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.dump_path", "/data/local/tmp/occ_view.xml")
	v.SetDefault("device.poll_interval", "400ms")
	v.SetDefault("device.command_rate", 8.0)
	v.SetDefault("device.command_burst", 4)

	v.SetDefault("cache_clean.delay_for_next_app_timeout", 1)
	v.SetDefault("cache_clean.max_wait_app_timeout", 30)
	v.SetDefault("cache_clean.max_wait_clear_cache_button_timeout", 3)
	v.SetDefault("cache_clean.settle_timeout", "1s")
	v.SetDefault("cache_clean.scenario", "default")
	v.SetDefault("cache_clean.locale", "en")
	v.SetDefault("cache_clean.filter.show_dialog_to_ignore_app", true)

	v.SetDefault("scenarios.search_paths", []string{"./scenarios"})
	v.SetDefault("scenarios.watch", true)

	v.SetDefault("mcp.name", "cachecleaner")
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}

// RunConfig converts the persisted settings into the per-run configuration.
// The result is not validated here; the orchestrator rejects bad values
// before a run starts.
func (c *CacheCleanConfig) RunConfig() types.RunConfig {
	return types.RunConfig{
		DelayForNextApp:               time.Duration(c.DelayForNextAppTimeout) * time.Second,
		MaxWaitApp:                    time.Duration(c.MaxWaitAppTimeout) * time.Second,
		MaxWaitClearCacheButton:       time.Duration(c.MaxWaitClearCacheButtonTimeout) * time.Second,
		Settle:                        c.SettleTimeout,
		ScenarioID:                    c.Scenario,
		Locale:                        c.Locale,
		AfterClearingCacheStopService: c.AfterClearingCacheStopService,
		AfterClearingCacheCloseApp:    c.AfterClearingCacheCloseApp,
		Filter: types.Filter{
			MinCacheSize:          c.Filter.MinCacheSize,
			HideDisabledApps:      c.Filter.HideDisabledApps,
			HideIgnoredApps:       c.Filter.HideIgnoredApps,
			ShowDialogToIgnoreApp: c.Filter.ShowDialogToIgnoreApp,
		},
	}
}

// SearchTextTable flattens the overrides into locale → purpose → labels.
func (c *Config) SearchTextTable() map[string]map[string][]string {
	table := make(map[string]map[string][]string, len(c.SearchText))
	for locale, st := range c.SearchText {
		table[locale] = map[string][]string{
			"clear_cache": st.ClearCache,
			"storage":     st.Storage,
			"clear_data":  st.ClearData,
			"ok":          st.OK,
		}
	}
	return table
}
