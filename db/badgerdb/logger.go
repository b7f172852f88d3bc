package badgerdb

import (
	"strings"

	"github.com/rolled-bit/go-rollup/log"
)

// extendedLog adapts the module logger to badger.Logger.
type extendedLog struct {
	*log.Logger
}

func (l *extendedLog) Errorf(f string, v ...interface{}) {
	l.Error().Msgf(strings.TrimSuffix(f, "\n"), v...)
}

func (l *extendedLog) Warningf(f string, v ...interface{}) {
	l.Warn().Msgf(strings.TrimSuffix(f, "\n"), v...)
}

func (l *extendedLog) Infof(f string, v ...interface{}) {
	l.Debug().Msgf(strings.TrimSuffix(f, "\n"), v...)
}

func (l *extendedLog) Debugf(f string, v ...interface{}) {
	l.Debug().Msgf(strings.TrimSuffix(f, "\n"), v...)
}
