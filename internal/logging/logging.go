// Package logging builds the zap loggers used by the load generator and the
// Fibonacci service.
package logging

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EncodingConsole = "console"
	EncodingJSON    = "json"

	DefaultLevel    = "info"
	DefaultEncoding = EncodingConsole
)

// Config selects the level, encoding and sinks of a logger.
type Config struct {
	Level    string
	Encoding string

	// OutputPaths defaults to stderr so logs never mix with the report
	// written to stdout.
	OutputPaths []string
}

// New builds a zap logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = DefaultLevel
	}
	if cfg.Encoding == "" {
		cfg.Encoding = DefaultEncoding
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stderr"}
	}

	cfg.Level = strings.ToLower(cfg.Level)
	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Encoding != EncodingConsole && cfg.Encoding != EncodingJSON {
		return nil, fmt.Errorf("invalid log encoding %q: must be %s or %s", cfg.Encoding, EncodingConsole, EncodingJSON)
	}

	outputs, err := jsoniter.Marshal(cfg.OutputPaths)
	if err != nil {
		return nil, err
	}

	rawJSON := []byte(fmt.Sprintf(`{
	  "level": %q,
	  "encoding": %q,
	  "outputPaths": %s,
	  "errorOutputPaths": ["stderr"],
	  "encoderConfig": {
	    "messageKey": "message",
	    "levelKey": "level",
	    "levelEncoder": "uppercase",
	    "timeKey": "time",
	    "timeEncoder": "ISO8601",
	    "callerKey": "caller",
	    "callerEncoder": "short"
	  }
	}`, cfg.Level, cfg.Encoding, outputs))

	var zcfg zap.Config
	if err := jsoniter.Unmarshal(rawJSON, &zcfg); err != nil {
		return nil, fmt.Errorf("failed to decode logger config: %w", err)
	}
	if cfg.Encoding == EncodingConsole {
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
