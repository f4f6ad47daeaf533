package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so timeouts can be tested.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a Clock backed by time.Now in UTC.
func NewSystem() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

var Module = fx.Module("clock", fx.Provide(NewSystem))
