package schedoc

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Logger defines logging methods used by the library. Implementations should be cheap.
// Default is FmtLogger which writes to stdout/stderr using fmt.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// FmtLogger is a minimal logger that prints messages with level prefixes.
// Debug/Info go to stdout; Warn/Error go to stderr.
type FmtLogger struct{}

// NewFmtLogger creates a new FmtLogger.
func NewFmtLogger() *FmtLogger { return &FmtLogger{} }

func (FmtLogger) Debugf(format string, args ...any) { fmt.Printf("[DEBUG] "+format+"\n", args...) }
func (FmtLogger) Infof(format string, args ...any)  { fmt.Printf("[INFO]  "+format+"\n", args...) }
func (FmtLogger) Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN]  "+format+"\n", args...)
}
func (FmtLogger) Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
}

// ZerologLogger routes library logs into a zerolog.Logger so embedding
// applications get structured output.
type ZerologLogger struct{ L zerolog.Logger }

// NewZerologLogger wraps an existing zerolog.Logger.
func NewZerologLogger(l zerolog.Logger) ZerologLogger { return ZerologLogger{L: l} }

func (z ZerologLogger) Debugf(format string, args ...any) { z.L.Debug().Msgf(format, args...) }
func (z ZerologLogger) Infof(format string, args ...any)  { z.L.Info().Msgf(format, args...) }
func (z ZerologLogger) Warnf(format string, args ...any)  { z.L.Warn().Msgf(format, args...) }
func (z ZerologLogger) Errorf(format string, args ...any) { z.L.Error().Msgf(format, args...) }

// NopLogger discards every message. Useful for tests and embedders that
// route logging elsewhere.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}
