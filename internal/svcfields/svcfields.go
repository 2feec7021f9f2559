// Package svcfields holds the log field conventions shared by relayd
// components.
package svcfields

import (
	"context"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/correlation"
)

// Canonical field keys.
const (
	SubsystemKey   = pslog.TrustedString("sys")
	CorrelationKey = "cid"
	MessageIDKey   = "message_id"
)

// WithSubsystem tags every entry with a dot-delimited subsystem path such
// as "pipeline.log". A nil logger yields a disabled one.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithRequest tags logger with the correlation id on ctx and messageID,
// skipping whichever is empty.
func WithRequest(ctx context.Context, logger pslog.Logger, messageID string) pslog.Logger {
	logger = EnsureLogger(logger)
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With(CorrelationKey, cid)
	}
	if messageID != "" {
		logger = logger.With(MessageIDKey, messageID)
	}
	return logger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}
