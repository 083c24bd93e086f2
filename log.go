package turtls

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logging area tags.  Enable with TURTLS_LOG=handshake,io or TURTLS_LOG=*.
const (
	logTypeCrypto      = "crypto"
	logTypeHandshake   = "handshake"
	logTypeNegotiation = "negotiation"
	logTypeIO          = "io"
	logTypeFrameReader = "frame"
	logTypeVerbose     = "verbose"
)

var (
	logger      = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	logAll      = false
	logSettings = map[string]bool{}
)

func init() {
	parseLogEnv(os.Environ())
}

func parseLogEnv(env []string) {
	for _, stmt := range env {
		if strings.HasPrefix(stmt, "TURTLS_LOG=") {
			val := strings.TrimPrefix(stmt, "TURTLS_LOG=")
			for _, t := range strings.Split(val, ",") {
				if t == "*" {
					logAll = true
				} else {
					logSettings[t] = true
				}
			}
		}
	}
	if !logAll && len(logSettings) == 0 {
		logger = logger.Level(zerolog.Disabled)
	}
}

func logf(tag string, format string, args ...interface{}) {
	if logAll || logSettings[tag] {
		logger.Debug().Str("area", tag).Msg(fmt.Sprintf(format, args...))
	}
}
