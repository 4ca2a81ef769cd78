package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Toss-Online-Services/pgoptimizer/src/config"
)

// newLogger builds the process logger. levelOverride wins over cfg.Level
// when set. One-shot commands pass foreground so that log lines written to
// stdout do not mix with the command's result.
func newLogger(cfg config.LoggingConfig, levelOverride string, foreground bool) (*logrus.Logger, func() error, error) {
	log := logrus.New()

	switch cfg.Format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	levelName := cfg.Level
	if levelOverride != "" {
		levelName = levelOverride
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	log.SetLevel(level)

	closeLog := func() error { return nil }
	switch cfg.Output {
	case "", "stdout":
		if foreground {
			log.SetOutput(os.Stderr)
		} else {
			log.SetOutput(os.Stdout)
		}
	case "stderr":
		log.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		log.SetOutput(f)
		closeLog = f.Close
	}

	return log, closeLog, nil
}
