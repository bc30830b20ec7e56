// Package loggertest provides loggers for asserting log output in tests.
package loggertest

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"fieldscan/internal/logger"
)

// NewObserved returns a Logger recording every entry at debug level or above.
func NewObserved() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return logger.FromZap(zap.New(core)), logs
}
