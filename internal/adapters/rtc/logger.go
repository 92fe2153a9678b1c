package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logs into zerolog. Pion is chatty,
// so its levels are shifted down by one unless Verbose is set.
type LoggerFactory struct {
	Verbose bool
}

var _ logging.LoggerFactory = LoggerFactory{}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{
		log:     log.With().Str("module", "pion").Str("scope", scope).Logger(),
		verbose: f.Verbose,
	}
}

type leveledLogger struct {
	log     zerolog.Logger
	verbose bool
}

func (l *leveledLogger) event(level zerolog.Level) *zerolog.Event {
	if !l.verbose && level > zerolog.TraceLevel && level < zerolog.ErrorLevel {
		level--
	}
	return l.log.WithLevel(level)
}

func (l *leveledLogger) Trace(msg string) { l.event(zerolog.TraceLevel).Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) {
	l.event(zerolog.TraceLevel).Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.event(zerolog.DebugLevel).Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) {
	l.event(zerolog.DebugLevel).Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.event(zerolog.InfoLevel).Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...any) {
	l.event(zerolog.InfoLevel).Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.event(zerolog.WarnLevel).Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...any) {
	l.event(zerolog.WarnLevel).Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.event(zerolog.ErrorLevel).Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) {
	l.event(zerolog.ErrorLevel).Msg(fmt.Sprintf(format, args...))
}
