// Package logging provides structured logging for the relay.
//
// It wraps log/slog: JSON output for production, text for development,
// and service/version fields on every entry.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("relay listening", "port", 8080)
//
// Never log message payloads; they may carry device credentials.
package logging
