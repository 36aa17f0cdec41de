package util

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/tevino/abool"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Quiet raises the minimum level so only warnings and errors are shown.
func Quiet() {
	pterm.DefaultLogger.Level = pterm.LogLevelWarn
}

// packetTrace gates the per-packet trace output. It is set at most once at
// startup but read on every send/receive, so it is kept lock-free.
var packetTrace = abool.New()

// EnablePacketTrace turns on human-readable tracing of every packet sent and
// received. Diagnostic only, not part of the wire format.
func EnablePacketTrace() {
	packetTrace.Set()
}

// TracePacket logs one packet event when tracing is enabled. Direction is
// conventionally "OUTGOING" or "INCOMING".
func TracePacket(direction string, pkt fmt.Stringer) {
	if packetTrace.IsSet() {
		pterm.DefaultLogger.Info(fmt.Sprintf("%s: %s", direction, pkt.String()))
	}
}
