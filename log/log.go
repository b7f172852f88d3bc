/*
Package log is the node-wide logger, built on zerolog (https://github.com/rs/zerolog).

Every package creates its own module logger with NewLogger, which tags all of
its lines with a 'module' field. Settings come from a toml file that is looked
up as ./rollup-log.toml, or at the path in the ROLLUP_LOGCONFIG environment
variable. All fields are optional.

	# default level: debug/info/warn/error/fatal/panic
	level = "info"

	# console, console_no_color or json
	formatter = "console"

	# stdout, stderr or a file path
	out = "stderr"

	# print source file and line
	caller = false

	timefieldformat = "2006-01-02T15:04:05Z07:00"

	# per module overrides; only level and out are honored
	[syncer]
	level = "debug"

The node may also call Configure once its own configuration is loaded; values
given there win over the file.
*/
package log

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	colorable "github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

var (
	baseLogger  = zerolog.New(os.Stderr)
	baseLevel   = zerolog.InfoLevel
	logInitLock sync.Mutex
	isLogInit   = false
	viperConf   = viper.New()
	modules     []*Logger
)

const (
	confFilePathKey     = "LOGCONFIG"
	confEnvPrefix       = "ROLLUP"
	defaultConfFileName = "rollup-log"
)

// Logger is a module logger. It embeds zerolog so callers use the usual
// logger.Info().Str(...).Msg(...) chains.
type Logger struct {
	*zerolog.Logger
	name  string
	level zerolog.Level
}

// Config carries the settings the node passes to Configure. Empty fields
// keep whatever the config file or the defaults chose.
type Config struct {
	Level     string
	Formatter string
	Out       string
	Caller    bool
}

func loadConfigFile() {
	viperConf.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConf.SetEnvPrefix(confEnvPrefix)
	viperConf.AutomaticEnv()

	viperConf.SetConfigType("toml")
	viperConf.SetConfigName(defaultConfFileName)
	viperConf.AddConfigPath(".")

	if confFilePath := viperConf.GetString(confFilePathKey); confFilePath != "" {
		viperConf.SetConfigFile(confFilePath)
	}

	if err := viperConf.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			baseLogger.Error().Err(err).Msg("Fail to read a logger's config file")
		}
	}
}

func initLog() {
	if format := viperConf.GetString("timefieldformat"); format != "" {
		zerolog.TimeFieldFormat = format
	}

	baseLogger = zerolog.New(os.Stderr)
	out := os.Stderr
	if outputName := viperConf.GetString("out"); outputName != "" {
		if o, err := getOutput(outputName); err == nil {
			out = o
		} else {
			baseLogger.Warn().Err(err).Str("outputName", outputName).Msg("failed to open output writer. set to stderr instead")
		}
	}
	baseLogger = baseLogger.Output(formatWriter(out, viperConf.GetString("formatter")))

	if viperConf.GetBool("caller") {
		baseLogger = baseLogger.With().Caller().Logger()
	}

	zLevel := zerolog.InfoLevel
	if level := viperConf.GetString("level"); level != "" {
		var err error
		if zLevel, err = zerolog.ParseLevel(level); err != nil {
			baseLogger.Warn().Err(err).Msg("Fail to parse and set a default log level. set the level as info")
			zLevel = zerolog.InfoLevel
		}
	}

	baseLogger = baseLogger.With().Timestamp().Logger().Level(zLevel)
	baseLevel = zLevel
}

func formatWriter(out *os.File, formatter string) io.Writer {
	switch strings.ToLower(formatter) {
	case "", "json":
		return out
	case "console":
		return zerolog.ConsoleWriter{Out: colorable.NewColorable(out), TimeFormat: zerolog.TimeFieldFormat}
	case "console_no_color":
		return zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: zerolog.TimeFieldFormat}
	default:
		baseLogger.Warn().Str("formatter", formatter).Msg("Invalid Message Formatter. Only allowed; console/console_no_color/json")
		return out
	}
}

// Configure applies node level settings on top of the log file and rebuilds
// the base logger and every module logger. Call it before any goroutine logs.
func Configure(cfg Config) {
	logInitLock.Lock()
	defer logInitLock.Unlock()

	if !isLogInit {
		loadConfigFile()
	}
	if cfg.Level != "" {
		viperConf.Set("level", cfg.Level)
	}
	if cfg.Formatter != "" {
		viperConf.Set("formatter", cfg.Formatter)
	}
	if cfg.Out != "" {
		viperConf.Set("out", cfg.Out)
	}
	if cfg.Caller {
		viperConf.Set("caller", true)
	}
	initLog()
	isLogInit = true
	for _, logger := range modules {
		logger.apply()
	}
}

// NewLogger returns a logger tagged with moduleName. A section named after the
// module in the config file may override its level and output.
func NewLogger(moduleName string) *Logger {
	logInitLock.Lock()
	defer logInitLock.Unlock()

	if !isLogInit {
		loadConfigFile()
		initLog()
		isLogInit = true
	}

	logger := &Logger{name: moduleName}
	logger.apply()
	modules = append(modules, logger)
	return logger
}

// apply derives the module logger from the current base logger and the
// module's section of the config file.
func (logger *Logger) apply() {
	zLogger := baseLogger.With().Str("module", logger.name).Logger()
	zLevel := baseLevel

	if sub := viperConf.Sub(logger.name); sub != nil {
		if outputName := sub.GetString("out"); outputName != "" {
			if out, err := getOutput(outputName); err == nil {
				zLogger = zLogger.Output(out)
			} else {
				baseLogger.Warn().Err(err).Str("outputName", outputName).Str("module", logger.name).Msg("failed to open output writer. set to base out instead")
			}
		}
		if level := sub.GetString("level"); level != "" {
			var err error
			if zLevel, err = zerolog.ParseLevel(level); err != nil {
				zLevel = zerolog.InfoLevel
			}
			zLogger = zLogger.Level(zLevel)
		}
	}

	logger.Logger = &zLogger
	logger.level = zLevel
}

var errEmptyName = errors.New("empty output name")

// getOutput maps stdout, stderr or a file path to a writer. Files are opened
// in append mode.
func getOutput(outName string) (*os.File, error) {
	switch outName {
	case "":
		return nil, errEmptyName
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(outName, os.O_WRONLY|os.O_CREATE|os.O_APPEND|os.O_SYNC, 0644)
	}
}

// Default returns the base logger, without a module tag.
func Default() *Logger {
	logInitLock.Lock()
	defer logInitLock.Unlock()

	if !isLogInit {
		loadConfigFile()
		initLog()
		isLogInit = true
	}

	return &Logger{
		Logger: &baseLogger,
		level:  baseLevel,
	}
}

// IsDebugEnabled reports whether debug lines would be written.
func (logger *Logger) IsDebugEnabled() bool {
	return logger.level <= zerolog.DebugLevel
}

// Level returns the logger's level name.
func (logger *Logger) Level() string {
	return logger.level.String()
}

// Name returns the module name given to NewLogger.
func (logger *Logger) Name() string {
	return logger.name
}
