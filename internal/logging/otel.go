package logging

import (
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// buildCore assembles the sink stack: a redacting stdout core, the
// otelzap bridge when a provider is wired, and sampling over whatever
// remains.
func buildCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if cfg.Output.Stdout {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), cfg.Level))
	}
	if cfg.Output.OTEL && provider != nil {
		cores = append(cores, otelzap.NewCore("factoryd", otelzap.WithLoggerProvider(provider)))
	}

	switch len(cores) {
	case 0:
		return nil, errors.New("no log output available")
	case 1:
		return withSampling(cores[0], cfg.Sampling), nil
	default:
		return withSampling(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}
