package orchestrator

import (
	"log"
	"os"
	"strings"
)

// DebugEnabled reports whether orchestrator debug logging is enabled.
// Enable with MINICHAT_DEBUG=1 (or true/yes/on), mirroring the teacher's
// AGENTLY_DEBUG toggle.
func DebugEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("MINICHAT_DEBUG"))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func debugf(format string, args ...any) {
	if !DebugEnabled() {
		return
	}
	log.Printf("[debug][orchestrator] "+format, args...)
}

func warnf(format string, args ...any) {
	log.Printf("[warn][orchestrator] "+format, args...)
}

func errorf(format string, args ...any) {
	log.Printf("[error][orchestrator] "+format, args...)
}
