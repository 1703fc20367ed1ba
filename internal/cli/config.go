package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/fsmutex/pkg/fsmutex"
)

// Config errors.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrUnknownBackend     = errors.New("unknown backend")
	ErrFlagRequiresArg    = errors.New("flag requires an argument")
	ErrUnknownFlag        = errors.New("unknown flag")
)

// Config holds the settings shared by every command. Flags override it.
type Config struct {
	// Backend is the default lock backend, one of [BackendNames].
	Backend string `json:"backend"`

	// StaleAfter and HeartbeatInterval tune the append_log backend.
	StaleAfter        Duration `json:"stale_after,omitzero"`
	HeartbeatInterval Duration `json:"heartbeat_interval,omitzero"`

	NFSCompatibility bool `json:"nfs_compatibility,omitempty"`
	SkipHashing      bool `json:"skip_hashing,omitempty"`

	// TableDir is where memory_map creates its spinlock table.
	TableDir string `json:"table_dir,omitempty"`

	// HistoryFile is where the interactive shell keeps its history.
	HistoryFile string `json:"history_file,omitempty"`

	// Sources tracks which config files were loaded (for diagnostics).
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global   string // Path to global config if loaded, empty otherwise
	Explicit string // Path to -c/--config file if given
}

// Duration is a [time.Duration] written as a string such as "20s" in
// config files.
type Duration time.Duration

// MarshalJSON implements [json.Marshaler].
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements [json.Unmarshaler].
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string

	err := json.Unmarshal(data, &s)
	if err != nil {
		return fmt.Errorf("duration must be a string like \"20s\": %w", err)
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	if v < 0 {
		return fmt.Errorf("negative duration %q", s)
	}

	*d = Duration(v)

	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Backend: BackendByteRanges}
}

// globalConfigPath returns $XDG_CONFIG_HOME/fsmutex/config.json, falling
// back to ~/.config/fsmutex/config.json. Empty if neither is known.
func globalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "fsmutex", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "fsmutex", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence (highest
// wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/fsmutex/config.json)
// 3. Explicit config file via configPath (if non-empty)
//
// Command flags are applied on top by each command.
func LoadConfig(configPath string, env map[string]string) (Config, error) {
	cfg := DefaultConfig()

	if path := globalConfigPath(env); path != "" {
		global, loaded, err := loadConfigFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = mergeConfig(cfg, global)
			cfg.Sources.Global = path
		}
	}

	if configPath != "" {
		_, statErr := os.Stat(configPath)
		if statErr != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}

		explicit, _, err := loadConfigFile(configPath, true)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfig(cfg, explicit)
		cfg.Sources.Explicit = configPath
	}

	if cfg.HistoryFile == "" {
		if home := env["HOME"]; home != "" {
			cfg.HistoryFile = filepath.Join(home, ".fsmutex_history")
		}
	}

	err := validateConfig(cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadConfigFile loads a config file. If mustExist is false, missing files
// return zero config. Reports whether the file was loaded.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Backend != "" {
		base.Backend = overlay.Backend
	}

	if overlay.StaleAfter != 0 {
		base.StaleAfter = overlay.StaleAfter
	}

	if overlay.HeartbeatInterval != 0 {
		base.HeartbeatInterval = overlay.HeartbeatInterval
	}

	base.NFSCompatibility = base.NFSCompatibility || overlay.NFSCompatibility
	base.SkipHashing = base.SkipHashing || overlay.SkipHashing

	if overlay.TableDir != "" {
		base.TableDir = overlay.TableDir
	}

	if overlay.HistoryFile != "" {
		base.HistoryFile = overlay.HistoryFile
	}

	return base
}

func validateConfig(cfg Config) error {
	if !slices.Contains(BackendNames(), cfg.Backend) {
		return fmt.Errorf("%w %q (want one of %v)", ErrUnknownBackend, cfg.Backend, BackendNames())
	}

	stale := time.Duration(cfg.StaleAfter)
	if stale == 0 {
		stale = fsmutex.DefaultStaleAfter
	}

	if beat := time.Duration(cfg.HeartbeatInterval); beat != 0 && beat >= stale {
		return fmt.Errorf("%w: heartbeat_interval %s must be below stale_after %s", ErrConfigInvalid, beat, stale)
	}

	return nil
}

// FormatConfig renders cfg in the layout config files use, so the output of
// print-config can be saved as a config file.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}

	value, err := hujson.Parse(data)
	if err != nil {
		return "", err
	}

	value.Format()

	return string(value.Pack()), nil
}
