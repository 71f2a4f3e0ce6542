package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var stderr = struct{ io.Writer }{os.Stderr}

var nodeIDFieldName = "NodeID"

func init() { //nolint:gochecknoinits // init with zerolog is idiomatic
	configureLogging()
}

type tTesting interface {
	Log(args ...interface{})
	Logf(format string, args ...interface{})
	Helper()
	Cleanup(f func())
}

// ConfigureTestLogging allows logs to be associated with individual tests
func ConfigureTestLogging(t tTesting) {
	oldLogger := log.Logger
	oldContextLogger := zerolog.DefaultContextLogger
	configureLogging(zerolog.ConsoleTestWriter(t))
	t.Cleanup(func() {
		log.Logger = oldLogger
		zerolog.DefaultContextLogger = oldContextLogger
	})
}

func configureLogging(loggingOptions ...func(w *zerolog.ConsoleWriter)) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logLevelString := strings.ToLower(os.Getenv("LOG_LEVEL"))
	logTypeString := strings.ToLower(os.Getenv("LOG_TYPE"))

	switch logLevelString {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	isTerminal := isatty.IsTerminal(os.Stdout.Fd())

	defaultLogging := func(w *zerolog.ConsoleWriter) {
		w.Out = stderr
		w.NoColor = !isTerminal
		w.TimeFormat = "15:04:05.999 |"
		w.PartsOrder = []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.CallerFieldName,
			zerolog.MessageFieldName,
		}

		w.FormatFieldName = func(i interface{}) string {
			return fmt.Sprintf("[%s:", i)
		}

		w.FormatFieldValue = func(i interface{}) string {
			if i == nil {
				i = ""
			}
			return fmt.Sprintf("%s]", i)
		}
	}

	loggingOptions = append([]func(w *zerolog.ConsoleWriter){defaultLogging}, loggingOptions...)

	textWriter := zerolog.NewConsoleWriter(loggingOptions...)

	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		short := file

		separatorCount := 2
		countedSeparators := 0

		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				countedSeparators += 1
				if countedSeparators >= separatorCount {
					short = file[i+1:]
					break
				}
			}
		}
		file = short
		return file + ":" + strconv.Itoa(line)
	}

	// we default to text output
	var useLogWriter io.Writer = textWriter

	if logTypeString == "json" {
		useLogWriter = os.Stdout
	} else if logTypeString == "combined" {
		useLogWriter = zerolog.MultiLevelWriter(textWriter, os.Stdout)
	}

	log.Logger = zerolog.New(useLogWriter).With().Timestamp().Caller().Logger()
	// While the normal flow will use ContextWithNodeIDLogger, this won't be so for tests.
	// Tests will use the DefaultContextLogger instead
	zerolog.DefaultContextLogger = &log.Logger
}

func loggerWithNodeID(nodeID string) zerolog.Logger {
	if len(nodeID) > 8 { //nolint:gomnd // 8 is a magic number
		nodeID = nodeID[:8]
	}
	return log.With().Str(nodeIDFieldName, nodeID).Logger()
}

// ContextWithNodeIDLogger will return a context with nodeID is added to the logging context.
func ContextWithNodeIDLogger(ctx context.Context, nodeID string) context.Context {
	l := loggerWithNodeID(nodeID)
	return l.WithContext(ctx)
}
