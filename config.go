package stemd

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/stemnet/stemd/build"
	"github.com/stemnet/stemd/stemcfg"
)

const (
	defaultConfigFilename = "stemd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "stemd.log"
	defaultLogLevel       = "info"
)

var (
	// DefaultStemdDir is the default directory where stemd tries to find
	// its configuration file and store its data.
	DefaultStemdDir = defaultAppDir()

	// DefaultConfigFile is the default full path of stemd's configuration
	// file.
	DefaultConfigFile = filepath.Join(DefaultStemdDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultStemdDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultStemdDir, defaultLogDirname)
)

// defaultAppDir returns ~/.stemd, or a relative directory if the home
// directory cannot be determined.
func defaultAppDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stemd"
	}

	return filepath.Join(home, ".stemd")
}

// Config defines the configuration options for stemd.
//
// See LoadConfig for further details regarding the configuration loading+
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	StemdDir   string `long:"stemddir" description:"The base directory that contains stemd's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store stemd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Dandelion *stemcfg.Dandelion `group:"dandelion" namespace:"dandelion"`

	Workers *stemcfg.Workers `group:"workers" namespace:"workers"`

	Pool *stemcfg.Pool `group:"pool" namespace:"pool"`

	Ban *stemcfg.Ban `group:"ban" namespace:"ban"`

	TxStore *stemcfg.TxStore `group:"txstore" namespace:"txstore"`

	Relay *stemcfg.Relay `group:"relay" namespace:"relay"`

	Prometheus *stemcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// LogRotator is the rotating file the daemon logs to. It is created
	// by DefaultConfig and initialized by the daemon once the config is
	// loaded.
	LogRotator *build.RotatingLogWriter `no-flag:"true"`

	// SubLogMgr manages the subsystem loggers, it is created by
	// ValidateConfig.
	SubLogMgr *build.SubLoggerManager `no-flag:"true"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		StemdDir:   DefaultStemdDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Dandelion:  stemcfg.DefaultDandelion(),
		Workers:    stemcfg.DefaultWorkers(),
		Pool:       stemcfg.DefaultPool(),
		Ban:        stemcfg.DefaultBan(),
		TxStore:    stemcfg.DefaultTxStore(),
		Relay:      stemcfg.DefaultRelay(),
		Prometheus: stemcfg.DefaultPrometheus(),
		LogConfig:  build.DefaultLogConfig(),
		LogRotator: build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.NewParser(&preCfg, flags.Default).ParseArgs(
		args,
	); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Println("stemd version", build.Version())
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their stemddir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.StemdDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultStemdDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	parser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. All file system
// paths are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided stemd directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	stemdDir := CleanAndExpandPath(cfg.StemdDir)
	if stemdDir != DefaultStemdDir {
		cfg.DataDir = filepath.Join(stemdDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(stemdDir, defaultLogDirname)
	}

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	err := stemcfg.Validate(
		cfg.Dandelion, cfg.Workers, cfg.Pool, cfg.Ban, cfg.TxStore,
		cfg.Relay, cfg.Prometheus, cfg.LogConfig,
	)
	if err != nil {
		return nil, err
	}

	cfg.TxStore.Path = CleanAndExpandPath(cfg.TxStore.Path)
	if cfg.TxStore.Backend == stemcfg.LevelDBBackend &&
		!filepath.IsAbs(cfg.TxStore.Path) {

		cfg.TxStore.Path = filepath.Join(cfg.DataDir, cfg.TxStore.Path)
	}

	// Set up the subsystem loggers before the debug level is parsed, as
	// the level may name individual subsystems.
	cfg.SubLogMgr = build.NewSubLoggerManager(
		build.NewDefaultLogHandlers(cfg.LogConfig, cfg.LogRotator)...,
	)
	SetupLoggers(cfg.SubLogMgr)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.SubLogMgr)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LogFile returns the path of the daemon's log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
