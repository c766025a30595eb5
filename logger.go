package axidma

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fabricdma/axidma/config"
	"github.com/sirupsen/logrus"
)

func configLogger(l *logrus.Logger, c *config.C) error {
	// set up our logging level
	logLevel, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	disableTimestamp := c.GetBool("logging.disable_timestamp", false)
	timestampFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	var formatter logrus.Formatter
	logFormat := strings.ToLower(c.GetString("logging.format", "text"))
	switch logFormat {
	case "text":
		formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: disableTimestamp,
		}
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: disableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	// Nothing is applied until every setting parsed, a bad reload leaves the old logger alone.
	if c.IsSet("logging.output") {
		out, err := openLogOutput(c.GetString("logging.output", ""))
		if err != nil {
			return err
		}
		setLogOutput(l, out)
	}

	l.SetLevel(logLevel)
	l.SetFormatter(formatter)
	return nil
}

// openLogOutput understands stdout, stderr or a file path that is appended to.
func openLogOutput(dest string) (io.Writer, error) {
	switch dest {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open logging.output: %w", err)
	}
	return f, nil
}

// setLogOutput swaps the logger output and closes a log file it replaced.
func setLogOutput(l *logrus.Logger, out io.Writer) {
	prev := l.Out
	l.SetOutput(out)
	if f, ok := prev.(*os.File); ok && prev != out && f != os.Stdout && f != os.Stderr {
		_ = f.Close()
	}
}
