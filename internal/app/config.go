package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultStoreBackend   = "json"
	defaultSecretBackend  = "keyring"
	defaultGitUserName    = "Git Uploader"
	defaultGitUserEmail   = "noreply@localhost"
	defaultNetworkTimeout = 30 * time.Minute
	defaultLogMaxSizeMB   = 10
	defaultLogMaxBackups  = 3
	defaultLogMaxAgeDays  = 28

	envPrefix     = "GIT_UPLOADER_"
	envConfigFile = envPrefix + "CONFIG"
)

var (
	supportedStoreBackends  = map[string]struct{}{"json": {}, "sqlite": {}}
	supportedSecretBackends = map[string]struct{}{"keyring": {}, "memory": {}}
	supportedLogFormats     = map[string]struct{}{"text": {}, "json": {}}
)

// Config captures runtime options sourced from defaults, an optional TOML file,
// and GIT_UPLOADER_* environment variables, in that order of precedence.
type Config struct {
	DataDir         string        `toml:"data_dir"`
	StoreBackend    string        `toml:"store_backend"`
	SecretBackend   string        `toml:"secret_backend"`
	KeyringService  string        `toml:"keyring_service"`
	GitHubBaseURL   string        `toml:"github_base_url"`
	GitHubUploadURL string        `toml:"github_upload_url"`
	GitBinary       string        `toml:"git_binary"`
	GitUserName     string        `toml:"git_user_name"`
	GitUserEmail    string        `toml:"git_user_email"`
	NetworkTimeout  time.Duration `toml:"network_timeout"`
	CloneRetries    int           `toml:"clone_retries"`
	LogLevel        string        `toml:"log_level"`
	LogFormat       string        `toml:"log_format"`
	LogFile         string        `toml:"log_file"`
	LogMaxSizeMB    int           `toml:"log_max_size_mb"`
	LogMaxBackups   int           `toml:"log_max_backups"`
	LogMaxAgeDays   int           `toml:"log_max_age_days"`
	Verbose         bool          `toml:"verbose"`
}

// WorkspacesDir is the root of all per-account repository clones.
func (c Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// LogsDir holds the plain-text batch logs.
func (c Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// StoreDir holds the JSON collections.
func (c Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// SQLitePath is the database used by the sqlite store backend.
func (c Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "git-uploader.db")
}

func defaultConfig() Config {
	return Config{
		DataDir:        defaultDataDir(),
		StoreBackend:   defaultStoreBackend,
		SecretBackend:  defaultSecretBackend,
		GitUserName:    defaultGitUserName,
		GitUserEmail:   defaultGitUserEmail,
		NetworkTimeout: defaultNetworkTimeout,
		LogLevel:       defaultLogLevel,
		LogFormat:      defaultLogFormat,
		LogMaxSizeMB:   defaultLogMaxSizeMB,
		LogMaxBackups:  defaultLogMaxBackups,
		LogMaxAgeDays:  defaultLogMaxAgeDays,
	}
}

func defaultDataDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return filepath.Join(xdg, "git-uploader")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "git-uploader")
	}
	return filepath.Join(os.TempDir(), "git-uploader")
}

// LoadConfig layers the config file and environment over the defaults and
// performs validation.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return normalize(cfg)
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"DATA_DIR":          &cfg.DataDir,
		"STORE_BACKEND":     &cfg.StoreBackend,
		"SECRET_BACKEND":    &cfg.SecretBackend,
		"KEYRING_SERVICE":   &cfg.KeyringService,
		"GITHUB_BASE_URL":   &cfg.GitHubBaseURL,
		"GITHUB_UPLOAD_URL": &cfg.GitHubUploadURL,
		"GIT_BINARY":        &cfg.GitBinary,
		"GIT_USER_NAME":     &cfg.GitUserName,
		"GIT_USER_EMAIL":    &cfg.GitUserEmail,
		"LOG_LEVEL":         &cfg.LogLevel,
		"LOG_FORMAT":        &cfg.LogFormat,
		"LOG_FILE":          &cfg.LogFile,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CLONE_RETRIES":    &cfg.CloneRetries,
		"LOG_MAX_SIZE_MB":  &cfg.LogMaxSizeMB,
		"LOG_MAX_BACKUPS":  &cfg.LogMaxBackups,
		"LOG_MAX_AGE_DAYS": &cfg.LogMaxAgeDays,
	}
	for key, dst := range ints {
		if raw := strings.TrimSpace(os.Getenv(envPrefix + key)); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	if raw := strings.TrimSpace(os.Getenv(envPrefix + "NETWORK_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %sNETWORK_TIMEOUT: %w", envPrefix, err)
		}
		cfg.NetworkTimeout = d
	}

	if raw := strings.TrimSpace(os.Getenv(envPrefix + "VERBOSE")); raw != "" {
		verbose, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse %sVERBOSE: %w", envPrefix, err)
		}
		cfg.Verbose = verbose
	}

	return nil
}

func normalize(cfg Config) (Config, error) {
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.SecretBackend = strings.ToLower(strings.TrimSpace(cfg.SecretBackend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.GitHubBaseURL = strings.TrimSpace(cfg.GitHubBaseURL)
	cfg.GitHubUploadURL = strings.TrimSpace(cfg.GitHubUploadURL)

	if strings.TrimSpace(cfg.DataDir) == "" {
		return Config{}, fmt.Errorf("data directory is required")
	}

	if (cfg.GitHubBaseURL == "") != (cfg.GitHubUploadURL == "") {
		return Config{}, fmt.Errorf("%sGITHUB_BASE_URL and %sGITHUB_UPLOAD_URL must both be set for GitHub Enterprise", envPrefix, envPrefix)
	}

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	if _, ok := supportedStoreBackends[cfg.StoreBackend]; !ok {
		return Config{}, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}

	if cfg.SecretBackend == "" {
		cfg.SecretBackend = defaultSecretBackend
	}
	if _, ok := supportedSecretBackends[cfg.SecretBackend]; !ok {
		return Config{}, fmt.Errorf("unsupported secret backend %q", cfg.SecretBackend)
	}

	if strings.TrimSpace(cfg.GitUserName) == "" {
		cfg.GitUserName = defaultGitUserName
	}
	if strings.TrimSpace(cfg.GitUserEmail) == "" {
		cfg.GitUserEmail = defaultGitUserEmail
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}
	if _, ok := supportedLogFormats[cfg.LogFormat]; !ok {
		return Config{}, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	if cfg.NetworkTimeout < 0 {
		return Config{}, fmt.Errorf("network timeout must not be negative")
	}
	if cfg.CloneRetries < 0 {
		return Config{}, fmt.Errorf("clone retries must not be negative")
	}

	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}
