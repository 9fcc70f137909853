package testctl

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// TraceFilePattern names the internal trace file: pid then module basename
const TraceFilePattern = "InternalTrace.%d.%s.log"

// TraceLevel is the verbosity of the controller's internal trace
type TraceLevel string

const (
	TraceOff     TraceLevel = "Off"
	TraceError   TraceLevel = "Error"
	TraceWarning TraceLevel = "Warning"
	TraceInfo    TraceLevel = "Info"
	TraceVerbose TraceLevel = "Verbose"
	TraceDebug   TraceLevel = "Debug"
)

var traceLevels = map[string]slog.Level{
	strings.ToLower(string(TraceError)):   log.LevelError,
	strings.ToLower(string(TraceWarning)): log.LevelWarn,
	strings.ToLower(string(TraceInfo)):    log.LevelInfo,
	strings.ToLower(string(TraceVerbose)): log.LevelDebug,
	strings.ToLower(string(TraceDebug)):   log.LevelTrace,
}

// ParseTraceLevel accepts the level names case-insensitively
func ParseTraceLevel(s string) (TraceLevel, error) {
	for _, l := range []TraceLevel{TraceOff, TraceError, TraceWarning, TraceInfo, TraceVerbose, TraceDebug} {
		if strings.EqualFold(s, string(l)) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown trace level %q", s)
}

// TraceFileName returns the trace file path for moduleRef inside workDir
func TraceFileName(workDir, moduleRef string) string {
	base := filepath.Base(filepath.Clean(moduleRef))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "module"
	}
	return filepath.Join(workDir, fmt.Sprintf(TraceFilePattern, os.Getpid(), base))
}

// newTraceLogger builds the controller logger from the trace settings. Without
// a trace level the controller logs through the root logger. The returned
// closer is non-nil only when a trace file was opened.
func newTraceLogger(settings types.Settings, moduleRef string) (log.Logger, io.Closer, error) {
	if !settings.Has(types.SettingInternalTraceLevel) {
		return log.Root(), nil, nil
	}
	level, err := ParseTraceLevel(settings.String(types.SettingInternalTraceLevel, ""))
	if err != nil {
		return nil, nil, err
	}
	if level == TraceOff {
		return log.NewLogger(log.DiscardHandler()), nil, nil
	}
	slogLevel := traceLevels[strings.ToLower(string(level))]

	if v, ok := settings[types.SettingInternalTraceWriter]; ok && v != nil {
		w, ok := v.(io.Writer)
		if !ok {
			return nil, nil, fmt.Errorf("setting %s: %T is not a writer", types.SettingInternalTraceWriter, v)
		}
		return log.NewLogger(log.NewTerminalHandlerWithLevel(w, slogLevel, false)), nil, nil
	}

	workDir := settings.String(types.SettingWorkDirectory, ".")
	path := TraceFileName(workDir, moduleRef)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return log.NewLogger(log.NewTerminalHandlerWithLevel(f, slogLevel, false)), f, nil
}
