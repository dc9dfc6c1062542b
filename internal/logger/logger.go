package logger

import (
	"go.uber.org/zap"
)

// New builds the process logger. Anything other than "production" gets the
// development encoder.
func New(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
