package engine

import (
	"fmt"

	"github.com/llamagate/llamagate/config"
	"github.com/llamagate/llamagate/logging"
)

// NewClient builds the concrete Engine Client for a Model's engine_type.
// New engines register here by adding a config.EngineKind and a
// constructor — there is no open-world subclassing.
func NewClient(kind config.EngineKind, connect string, stripFields []string, defaultMaxTokensReservation int, log *logging.LogMonitor) (Client, error) {
	switch kind {
	case config.EngineLlamaCpp:
		return NewLlamaCppClient(connect, stripFields, false, defaultMaxTokensReservation, log), nil
	case config.EngineLlamaCppSideload:
		return NewLlamaCppClient(connect, stripFields, true, defaultMaxTokensReservation, log), nil
	default:
		return nil, fmt.Errorf("engine: unknown engine_type %q", kind)
	}
}
