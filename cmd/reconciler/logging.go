package main

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/lynqit/reconciler/pkg/billing"
	billingzerolog "github.com/lynqit/reconciler/pkg/billing/logger/zerolog"
	"github.com/lynqit/reconciler/pkg/config"
)

// newLogger builds the process logger. An unknown level falls back to info.
func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "reconciler").Logger()
}

// billingLogger adapts l for the billing packages, tagging entries with the
// component that wrote them.
func billingLogger(l zerolog.Logger, component string) billing.Logger {
	return billingzerolog.NewLogger(l).With(billing.Field{Key: "component", Value: component})
}
