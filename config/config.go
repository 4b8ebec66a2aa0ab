// Package config loads the pipeline configuration from flags, environment and
// an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"holdings-sync/pkg/holdings"
)

// Mode is the execution context.
type Mode string

const (
	ModeInteractive Mode = "interactive" // Desktop, human attended
	ModeAutomated   Mode = "automated"   // CI, unattended and headless
)

const envPrefix = "HOLDINGS"

// Config is the complete pipeline configuration.
type Config struct {
	Mode    Mode          `mapstructure:"mode"`
	WorkDir string        `mapstructure:"work_dir"`
	LogFile string        `mapstructure:"log_file"`
	DryRun  bool          `mapstructure:"dry_run"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Mail    MailConfig    `mapstructure:"mail"`
	Unlock  UnlockConfig  `mapstructure:"unlock"`
	Sheet   SheetConfig   `mapstructure:"sheet"`
	Journal JournalConfig `mapstructure:"journal"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// AuthConfig controls the credential provider.
type AuthConfig struct {
	TokenFile   string   `mapstructure:"token_file"`
	TokenBucket string   `mapstructure:"token_bucket"` // Optional GCS bucket for the token blob
	ClientDir   string   `mapstructure:"client_dir"`
	ClientFiles []string `mapstructure:"client_files"`
}

// MailConfig controls the message locator.
type MailConfig struct {
	User         string   `mapstructure:"user"`
	Queries      []string `mapstructure:"queries"`
	MaxResults   int64    `mapstructure:"max_results"`
	SearchPolicy string   `mapstructure:"search_policy"` // "first" or "accumulate"
}

// UnlockConfig controls the secure page unlocker.
type UnlockConfig struct {
	Code            string        `mapstructure:"code"`
	ChromeBin       string        `mapstructure:"chrome_bin"`
	DriverPath      string        `mapstructure:"driver_path"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	SubmitDelay     time.Duration `mapstructure:"submit_delay"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// SheetConfig identifies the destination worksheet.
type SheetConfig struct {
	SpreadsheetID string `mapstructure:"spreadsheet_id"`
	Worksheet     string `mapstructure:"worksheet"`
	DefaultRows   int64  `mapstructure:"default_rows"`
	DefaultCols   int64  `mapstructure:"default_cols"`
}

// JournalConfig controls the SQLite run journal. An empty path disables it.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig controls the Prometheus textfile export. An empty path disables it.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// DefaultQueries are the vendor search queries, most specific first.
var DefaultQueries = []string{
	`from:"현대카드 MY COMPANY" subject:"라포랩스 보유내역" has:attachment newer_than:14d`,
	`from:"현대카드 MY COMPANY" subject:"보유내역" has:attachment newer_than:14d`,
	`from:"현대카드 MY COMPANY" has:attachment newer_than:21d`,
	`from:"현대카드" subject:"라포랩스 보유내역" has:attachment newer_than:14d`,
	`from:"MY COMPANY" subject:"보유내역" has:attachment newer_than:21d`,
}

// DetectMode reports the execution context from CI indicator variables.
func DetectMode(getenv func(string) string) Mode {
	if getenv("CI") == "true" || getenv("GITHUB_ACTIONS") == "true" {
		return ModeAutomated
	}
	return ModeInteractive
}

// SetDefaults registers default values on v. The working directory default
// depends on the execution context.
func SetDefaults(v *viper.Viper, mode Mode) {
	workDir := "downloads"
	if mode == ModeInteractive {
		if home, err := os.UserHomeDir(); err == nil {
			workDir = filepath.Join(home, "Downloads", "holdings-sync")
		}
	}

	v.SetDefault("mode", string(mode))
	v.SetDefault("work_dir", workDir)
	v.SetDefault("log_file", "holdings-sync.log")
	v.SetDefault("dry_run", false)

	v.SetDefault("auth.token_file", "token.json")
	v.SetDefault("auth.token_bucket", "")
	v.SetDefault("auth.client_dir", ".")
	v.SetDefault("auth.client_files", []string{"client_secret.json", "credentials.json", "oauth_credentials.json"})

	v.SetDefault("mail.user", "me")
	v.SetDefault("mail.queries", DefaultQueries)
	v.SetDefault("mail.max_results", 10)
	v.SetDefault("mail.search_policy", "first")

	v.SetDefault("unlock.code", "")
	v.SetDefault("unlock.chrome_bin", "")
	v.SetDefault("unlock.driver_path", "")
	v.SetDefault("unlock.settle_delay", 5*time.Second)
	v.SetDefault("unlock.submit_delay", 10*time.Second)
	v.SetDefault("unlock.download_timeout", 120*time.Second)
	v.SetDefault("unlock.poll_interval", 2*time.Second)

	v.SetDefault("sheet.spreadsheet_id", "")
	v.SetDefault("sheet.worksheet", "현대카드보유내역_RAW")
	v.SetDefault("sheet.default_rows", 1000)
	v.SetDefault("sheet.default_cols", 26)

	v.SetDefault("journal.path", "holdings-sync.db")
	v.SetDefault("metrics.textfile", "")
}

// Load reads configuration into a Config. configPath may be empty, in which
// case holdings.yaml in the current directory is used when present.
// getenv supplies environment lookups so tests can run without touching the
// process environment.
func Load(v *viper.Viper, configPath string, getenv func(string) string) (*Config, error) {
	mode := DetectMode(getenv)
	if explicit := v.GetString("mode"); explicit != "" {
		mode = Mode(explicit)
	}
	SetDefaults(v, mode)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names used by CI images
	if bin := getenv("CHROME_BIN"); bin != "" {
		v.SetDefault("unlock.chrome_bin", bin)
	}
	if driver := getenv("CHROMEDRIVER_PATH"); driver != "" {
		v.SetDefault("unlock.driver_path", driver)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config file: %w", holdings.ErrConfiguration, err)
		}
	} else {
		v.SetConfigName("holdings")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: read config file: %w", holdings.ErrConfiguration, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", holdings.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var problems []string

	switch c.Mode {
	case ModeInteractive, ModeAutomated:
	default:
		problems = append(problems, fmt.Sprintf("mode must be %q or %q, got %q", ModeInteractive, ModeAutomated, c.Mode))
	}
	if c.WorkDir == "" {
		problems = append(problems, "work_dir is required")
	}
	if c.Unlock.Code == "" {
		problems = append(problems, "unlock.code is required (HOLDINGS_UNLOCK_CODE)")
	}
	if c.Sheet.SpreadsheetID == "" && !c.DryRun {
		problems = append(problems, "sheet.spreadsheet_id is required (HOLDINGS_SHEET_SPREADSHEET_ID)")
	}
	if c.Sheet.Worksheet == "" {
		problems = append(problems, "sheet.worksheet is required")
	}
	if len(c.Mail.Queries) == 0 {
		problems = append(problems, "mail.queries must not be empty")
	}
	switch c.Mail.SearchPolicy {
	case "first", "accumulate":
	default:
		problems = append(problems, fmt.Sprintf("mail.search_policy must be \"first\" or \"accumulate\", got %q", c.Mail.SearchPolicy))
	}
	if c.Unlock.PollInterval <= 0 || c.Unlock.DownloadTimeout <= 0 {
		problems = append(problems, "unlock.poll_interval and unlock.download_timeout must be positive")
	}
	if len(c.Auth.ClientFiles) == 0 {
		problems = append(problems, "auth.client_files must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", holdings.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
