package engine

import (
	"context"
	"errors"
	"os"

	"github.com/CMSgov/dpc-app/log"
)

// Variable substitution to support testing.
var Exit = os.Exit

// Supervisor runs an Engine and ends the process on a scheduling fault so
// the deployment can restart it.
type Supervisor struct {
	engine *Engine
}

func NewSupervisor(e *Engine) *Supervisor {
	return &Supervisor{engine: e}
}

// Run blocks until ctx is cancelled or the engine faults.
func (s *Supervisor) Run(ctx context.Context) {
	err := s.engine.Run(ctx)
	if err == nil {
		return
	}

	var fault *SchedulingFault
	if errors.As(err, &fault) {
		log.Worker.Errorf("Exiting after unrecoverable engine failure: %s", fault)
	} else {
		log.Worker.Errorf("Exiting after unexpected engine error: %s", err)
	}
	Exit(1)
}
