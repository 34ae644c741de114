package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ryanmoran/agentrelay/internal/pageant"
	"github.com/spf13/pflag"
)

const (
	// DefaultDrainTimeout is how long gpg-agent output is still relayed
	// after the client closes its side of the stream.
	DefaultDrainTimeout = 100 * time.Millisecond

	// SocketFileName is the name of gpg-agent's socket file in GNUPGHOME.
	SocketFileName = "S.gpg-agent"
)

var (
	ErrModeRequired   = errors.New("exactly one of --gpg or --ssh is required")
	ErrTooManyArgs    = errors.New("at most one socket path may be given")
	ErrConfigNotFound = errors.New("config file not found")
)

type Config struct {
	Mode        Mode
	ShowVersion bool
	Debug       bool
	LogFile     string
	ConfigFile  string

	GnupgHome  string
	SocketPath string

	AgentWindow  string
	AutoStart    bool
	StartCommand Command
	IPCTimeout   time.Duration
	DrainTimeout time.Duration
}

type fileConfig struct {
	GnupgHome    string   `toml:"gnupg_home"`
	SocketPath   string   `toml:"socket_path"`
	Debug        bool     `toml:"debug"`
	LogFile      string   `toml:"log_file"`
	IPCTimeout   string   `toml:"ipc_timeout"`
	DrainTimeout string   `toml:"drain_timeout"`
	AgentWindow  string   `toml:"agent_window"`
	AutoStart    bool     `toml:"autostart"`
	StartCommand []string `toml:"start_command"`
}

// ParseConfig builds the configuration from, in increasing precedence,
// built-in defaults, a TOML config file, the environment and command-line
// flags. executable is the path of the running binary; the default config
// file and log file sit next to it. GNUPGHOME falls back to
// %APPDATA%\gnupg (or the user config dir) and the socket path to
// S.gpg-agent inside it.
func ParseConfig(args, environment []string, executable string) (Config, error) {
	lookup := make(map[string]string)
	for _, variable := range environment {
		key, value, ok := strings.Cut(variable, "=")
		if ok {
			lookup[key] = value
		}
	}

	config := Config{
		AgentWindow:  pageant.DefaultWindowTitle,
		AutoStart:    true,
		StartCommand: Command(pageant.DefaultStartCommand),
		DrainTimeout: DefaultDrainTimeout,
	}

	var (
		gpgMode      bool
		sshMode      bool
		debug        bool
		noAutoStart  bool
		logFile      string
		configFile   string
		ipcTimeout   time.Duration
		drainTimeout time.Duration
	)

	fs := pflag.NewFlagSet("agentrelay", pflag.ContinueOnError)
	fs.BoolVar(&gpgMode, "gpg", false, "relay to gpg-agent through its socket file")
	fs.BoolVar(&sshMode, "ssh", false, "relay to the Pageant-compatible SSH agent")
	fs.BoolVarP(&debug, "debug", "d", false, "write a debug log")
	fs.BoolVar(&config.ShowVersion, "version", false, "print version information")
	fs.BoolVar(&noAutoStart, "no-autostart", false, "do not start gpg-agent when it is not running")
	fs.StringVar(&logFile, "log-file", "", "debug log path (default: next to the executable)")
	fs.StringVarP(&configFile, "config", "c", "", "TOML config file (default: agentrelay.toml next to the executable)")
	fs.DurationVar(&ipcTimeout, "timeout", 0, "bound on each SSH agent request (0 waits forever)")
	fs.DurationVar(&drainTimeout, "drain-timeout", DefaultDrainTimeout, "how long gpg-agent output is relayed after input closes")

	err := fs.Parse(args)
	if err != nil {
		return Config{}, err
	}

	if config.ShowVersion {
		return config, nil
	}

	if fs.NArg() > 1 {
		return Config{}, fmt.Errorf("%w: %v", ErrTooManyArgs, fs.Args())
	}

	switch {
	case gpgMode && !sshMode:
		config.Mode = ModeGPG
	case sshMode && !gpgMode:
		config.Mode = ModeSSH
	default:
		return Config{}, ErrModeRequired
	}

	base := strings.TrimSuffix(executable, filepath.Ext(executable))

	config.ConfigFile = configFile
	if config.ConfigFile == "" {
		candidate := filepath.Join(filepath.Dir(executable), "agentrelay.toml")
		if _, err := os.Stat(candidate); err == nil {
			config.ConfigFile = candidate
		}
	}

	if config.ConfigFile != "" {
		err = loadConfigFile(config.ConfigFile, &config)
		if err != nil {
			return Config{}, err
		}
	}

	if value, ok := lookup["GNUPGHOME"]; ok && value != "" {
		config.GnupgHome = value
	}

	if fs.Changed("debug") {
		config.Debug = debug
	}
	if fs.Changed("no-autostart") {
		config.AutoStart = !noAutoStart
	}
	if logFile != "" {
		config.LogFile = logFile
	}
	if fs.Changed("timeout") {
		config.IPCTimeout = ipcTimeout
	}
	if fs.Changed("drain-timeout") {
		config.DrainTimeout = drainTimeout
	}
	if fs.NArg() == 1 {
		config.SocketPath = fs.Arg(0)
	}

	if config.LogFile == "" {
		config.LogFile = base + ".log"
	}

	if config.GnupgHome == "" {
		config.GnupgHome, err = defaultGnupgHome(lookup)
		if err != nil {
			return Config{}, err
		}
	}

	if config.SocketPath == "" {
		config.SocketPath = filepath.Join(config.GnupgHome, SocketFileName)
	}

	if config.IPCTimeout < 0 || config.DrainTimeout < 0 {
		return Config{}, fmt.Errorf("timeouts must not be negative")
	}

	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrConfigNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}

	if meta.IsDefined("gnupg_home") {
		config.GnupgHome = strings.TrimSpace(raw.GnupgHome)
	}

	if meta.IsDefined("socket_path") {
		config.SocketPath = strings.TrimSpace(raw.SocketPath)
	}

	if meta.IsDefined("debug") {
		config.Debug = raw.Debug
	}

	if meta.IsDefined("log_file") {
		config.LogFile = strings.TrimSpace(raw.LogFile)
	}

	if meta.IsDefined("ipc_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IPCTimeout))
		if err != nil {
			return fmt.Errorf("parse ipc_timeout: %w", err)
		}
		config.IPCTimeout = d
	}

	if meta.IsDefined("drain_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DrainTimeout))
		if err != nil {
			return fmt.Errorf("parse drain_timeout: %w", err)
		}
		config.DrainTimeout = d
	}

	if meta.IsDefined("agent_window") {
		config.AgentWindow = strings.TrimSpace(raw.AgentWindow)
	}

	if meta.IsDefined("autostart") {
		config.AutoStart = raw.AutoStart
	}

	if meta.IsDefined("start_command") {
		if len(raw.StartCommand) == 0 {
			return fmt.Errorf("start_command must not be empty")
		}
		config.StartCommand = Command(raw.StartCommand)
	}

	return nil
}

// defaultGnupgHome returns %APPDATA%\gnupg, the location gpg4win uses.
func defaultGnupgHome(lookup map[string]string) (string, error) {
	if appData := lookup["APPDATA"]; appData != "" {
		return filepath.Join(appData, "gnupg"), nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("GNUPGHOME is not set and no user config directory was found: %w", err)
	}

	return filepath.Join(dir, "gnupg"), nil
}
