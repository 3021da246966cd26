package logging

// Printf-style helpers. Messages follow the "pkg.Type op key=value" shape used
// across the tree so grep works on both terminals and captured logs.

func Tracef(format string, args ...any) {
	l := Logger()
	l.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	l := Logger()
	l.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	l := Logger()
	l.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	l := Logger()
	l.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	l := Logger()
	l.Error().Msgf(format, args...)
}

// TraceEnabled reports whether trace output would be emitted. Callers use it
// to skip building expensive dumps.
func TraceEnabled() bool {
	l := Logger()
	return l.Trace().Enabled()
}
