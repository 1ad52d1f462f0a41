package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Zerolog adapts a zerolog.Logger to Logger.
type Zerolog struct {
	logger zerolog.Logger
}

// NewZerolog wraps an existing zerolog logger.
func NewZerolog(l zerolog.Logger) *Zerolog {
	return &Zerolog{logger: l}
}

// NewWriter returns a JSON logger with timestamps writing to w at the given level.
// A nil writer means os.Stderr.
func NewWriter(w io.Writer, level zerolog.Level) *Zerolog {
	if w == nil {
		w = os.Stderr
	}
	return NewZerolog(zerolog.New(w).Level(level).With().Timestamp().Logger())
}

// Default is the logger used when none is configured: info level JSON on stderr.
func Default() Logger {
	return NewWriter(os.Stderr, zerolog.InfoLevel)
}

func (z *Zerolog) Error(msg string, args ...any) {
	fields(z.logger.Error(), args).Msg(msg)
}

func (z *Zerolog) Warn(msg string, args ...any) {
	fields(z.logger.Warn(), args).Msg(msg)
}

func (z *Zerolog) Info(msg string, args ...any) {
	fields(z.logger.Info(), args).Msg(msg)
}

func (z *Zerolog) Debug(msg string, args ...any) {
	fields(z.logger.Debug(), args).Msg(msg)
}

// fields attaches slog-style key/value pairs to a zerolog event.
// A trailing key without a value is logged under "!BADKEY", as slog does.
func fields(e *zerolog.Event, args []any) *zerolog.Event {
	if e == nil {
		// level disabled
		return nil
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			e = e.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}
