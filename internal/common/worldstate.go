package common

import (
	"time"
)

var RealWorldState = WorldState{
	Now: time.Now,
}

// WorldState carries the outside inputs of the program so tests can fix them.
type WorldState struct {
	Now func() time.Time
}

func WorldOfTime(t time.Time) WorldState {
	return WorldState{
		Now: func() time.Time { return t },
	}
}
