package cmds

import (
	"io"
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/stark-io/stark/pkg/version"
)

type Log struct {
	LogFile         string
	AlsoLogToStderr bool
}

var (
	LogConfig Log

	LogFileFlag = &cli.StringFlag{
		Name:        "log",
		Aliases:     []string{"l"},
		Usage:       "(logging) Log to file",
		EnvVars:     []string{version.ProgramUpper + "_LOG_FILE"},
		Destination: &LogConfig.LogFile,
	}
	AlsoLogToStderrFlag = &cli.BoolFlag{
		Name:        "alsologtostderr",
		Usage:       "(logging) Log to standard error as well as file (if set)",
		Destination: &LogConfig.AlsoLogToStderr,
	}

	logSetupOnce sync.Once
)

// LogFlags are shared by the server and agent subcommands.
func LogFlags() []cli.Flag {
	return []cli.Flag{
		LogFileFlag,
		AlsoLogToStderrFlag,
	}
}

// InitLogging wraps a command action with logrus setup: debug level, and
// optional rotated file output.
func InitLogging(action func(*cli.Context) error) func(*cli.Context) error {
	return func(ctx *cli.Context) error {
		logSetupOnce.Do(setupLogging)
		return action(ctx)
	}
}

func setupLogging() {
	if Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		FullTimestamp:   true,
	})
	if LogConfig.LogFile == "" {
		return
	}
	rotated := &lumberjack.Logger{
		Filename:   LogConfig.LogFile,
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	if LogConfig.AlsoLogToStderr {
		logrus.SetOutput(io.MultiWriter(os.Stderr, rotated))
	} else {
		logrus.SetOutput(rotated)
	}
}
