// Package logging bootstraps the process-wide zap logger that every
// package reaches via zap.L(), the same global-logger idiom
// cmd_airtable.go's zap.L().Debug(...) calls rely on.
package logging

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// New builds a zap.Logger (development config when debug is set, for
// human-readable console output; production JSON otherwise) and
// installs it as the package-global logger via zap.ReplaceGlobals.
func New(debug bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, errors.Wrap(err, "build zap logger")
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
