package observability

import "log/slog"

// AppMode distinguishes the process roles a wedriver binary can run as,
// attached to every log line as mode and to the otel resource as app.mode.
type AppMode string

// Process roles.
const (
	ModeServer AppMode = "server"
	ModeWorker AppMode = "worker"
	ModeTool   AppMode = "tool"
)

// defaultShutdownTimeoutSec bounds how long Shutdown waits for exporters to
// flush pending telemetry.
const defaultShutdownTimeoutSec = 5

// Config parametrizes Init.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Mode           AppMode

	OTLPEndpoint string
	OTLPHeaders  map[string]string
	OTLPInsecure bool

	DebugTrace  bool
	SampleRatio float64

	LogLevel     slog.Level
	TraceVerbose bool
	LogJSON      bool

	ShutdownTimeoutSec int
}

// DefaultConfig returns a Config with no OTLP export (no-op providers) and
// text logging at info level — the safe default for a run with no
// observability backend configured.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:         serviceName,
		Mode:                ModeServer,
		SampleRatio:         1.0,
		LogLevel:            slog.LevelInfo,
		ShutdownTimeoutSec:  defaultShutdownTimeoutSec,
	}
}
