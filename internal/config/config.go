package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, with dots in keys
// replaced by underscores: recovery.path becomes INTERPLEX_RECOVERY_PATH.
const EnvPrefix = "INTERPLEX"

// Configuration keys.
const (
	KeyListenAddr      = "listen_addr"
	KeyLogLevel        = "log_level"
	KeyAdvertiseURL    = "advertise_url"
	KeyRecoveryBackend = "recovery.backend"
	KeyRecoveryPath    = "recovery.path"
	KeyLauncherKind    = "launcher.kind"
	KeyWorkerBin       = "launcher.worker_bin"
	KeyWorkerHost      = "launcher.worker_host"
	KeyConnectTimeout  = "launcher.connect_timeout"
	KeyConnectPoolSize = "launcher.connect_pool_size"
	KeyIdleTimeout     = "worker.idle_timeout"
	KeyFCKernelPath    = "firecracker.kernel_path"
	KeyFCRootfsPath    = "firecracker.rootfs_path"
	KeyFCBin           = "firecracker.bin"
	KeyFCCNIConfigDir  = "firecracker.cni_config_dir"
	KeyFCCNIBinDir     = "firecracker.cni_bin_dir"
	KeyFCCNINetwork    = "firecracker.cni_network"
	KeyFCVsockPort     = "firecracker.vsock_port"
	KeyFCVCPUs         = "firecracker.vcpus"
	KeyFCMemMB         = "firecracker.mem_mb"
)

// Recovery backends.
const (
	RecoverySQLite = "sqlite"
	RecoveryFile   = "file"
	RecoveryNone   = "none"
)

// Launcher kinds.
const (
	LauncherLocal       = "local"
	LauncherFirecracker = "firecracker"
)

var defaults = map[string]any{
	KeyListenAddr:      ":8080",
	KeyLogLevel:        "info",
	KeyAdvertiseURL:    "",
	KeyRecoveryBackend: RecoverySQLite,
	KeyRecoveryPath:    "interplex.db",
	KeyLauncherKind:    LauncherLocal,
	KeyWorkerBin:       "interplex-worker",
	KeyWorkerHost:      "127.0.0.1",
	KeyConnectTimeout:  "60s",
	KeyConnectPoolSize: 10,
	KeyIdleTimeout:     "0s",
	KeyFCCNINetwork:    "interplex",
	KeyFCVsockPort:     1024,
	KeyFCVCPUs:         1,
	KeyFCMemMB:         512,
}

// Config holds coordinator configuration.
type Config struct {
	ListenAddr   string
	// AdvertiseURL is the coordinator URL handed to workers. When empty it is
	// derived from ListenAddr and the launcher's host.
	AdvertiseURL string
	LogLevel     slog.Level
	Recovery     RecoveryConfig
	Launcher     LauncherConfig
	Worker       WorkerConfig
	Firecracker  FirecrackerConfig
}

// RecoveryConfig selects where recovery entries are kept.
type RecoveryConfig struct {
	Backend string
	Path    string
}

// LauncherConfig controls how worker processes are started and reached.
type LauncherConfig struct {
	Kind            string
	WorkerBin       string
	WorkerHost      string
	ConnectTimeout  time.Duration
	ConnectPoolSize int
}

// WorkerConfig is forwarded to every worker on init.
type WorkerConfig struct {
	// IdleTimeout shuts a worker down after this long without calls. Zero
	// disables the idle check.
	IdleTimeout time.Duration
}

// FirecrackerConfig configures the microVM launcher.
type FirecrackerConfig struct {
	KernelPath   string
	RootfsPath   string
	Bin          string
	CNIConfigDir string
	CNIBinDir    string
	CNINetwork   string
	VsockPort    uint32
	VCPUs        int
	MemMB        int
}

// New returns a viper instance with defaults and environment overrides bound.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from v. When path is set the TOML file is merged
// under the environment overrides.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		ListenAddr:   v.GetString(KeyListenAddr),
		AdvertiseURL: v.GetString(KeyAdvertiseURL),
		LogLevel:     ParseLogLevel(v.GetString(KeyLogLevel)),
		Recovery: RecoveryConfig{
			Backend: strings.ToLower(v.GetString(KeyRecoveryBackend)),
			Path:    v.GetString(KeyRecoveryPath),
		},
		Launcher: LauncherConfig{
			Kind:            strings.ToLower(v.GetString(KeyLauncherKind)),
			WorkerBin:       v.GetString(KeyWorkerBin),
			WorkerHost:      v.GetString(KeyWorkerHost),
			ConnectPoolSize: v.GetInt(KeyConnectPoolSize),
		},
		Firecracker: FirecrackerConfig{
			KernelPath:   v.GetString(KeyFCKernelPath),
			RootfsPath:   v.GetString(KeyFCRootfsPath),
			Bin:          v.GetString(KeyFCBin),
			CNIConfigDir: v.GetString(KeyFCCNIConfigDir),
			CNIBinDir:    v.GetString(KeyFCCNIBinDir),
			CNINetwork:   v.GetString(KeyFCCNINetwork),
			VsockPort:    v.GetUint32(KeyFCVsockPort),
			VCPUs:        v.GetInt(KeyFCVCPUs),
			MemMB:        v.GetInt(KeyFCMemMB),
		},
	}

	var err error
	if cfg.Launcher.ConnectTimeout, err = ParseDuration(v.GetString(KeyConnectTimeout)); err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyConnectTimeout, err)
	}
	if cfg.Worker.IdleTimeout, err = ParseDuration(v.GetString(KeyIdleTimeout)); err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyIdleTimeout, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Recovery.Backend {
	case RecoverySQLite, RecoveryFile:
		if c.Recovery.Path == "" {
			return fmt.Errorf("%s is required for backend %q", KeyRecoveryPath, c.Recovery.Backend)
		}
	case RecoveryNone:
	default:
		return fmt.Errorf("unknown %s %q", KeyRecoveryBackend, c.Recovery.Backend)
	}
	switch c.Launcher.Kind {
	case LauncherLocal, LauncherFirecracker:
	default:
		return fmt.Errorf("unknown %s %q", KeyLauncherKind, c.Launcher.Kind)
	}
	if c.Launcher.ConnectPoolSize < 1 {
		return fmt.Errorf("%s must be positive, got %d", KeyConnectPoolSize, c.Launcher.ConnectPoolSize)
	}
	if c.Launcher.ConnectTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyConnectTimeout)
	}
	return nil
}

// ErrMissingUnit is returned by ParseDuration for bare numbers.
var ErrMissingUnit = errors.New("duration requires a unit")

// ParseDuration parses a duration such as "10ms", "2s", "1m" or "1h". A bare
// number, including "0", is rejected so that millisecond and second values
// cannot be confused.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("parse duration: empty value")
	}
	if strings.Trim(s, "0123456789+-.") == "" {
		return 0, fmt.Errorf("parse duration %q: %w", s, ErrMissingUnit)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
