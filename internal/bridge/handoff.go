package bridge

import "context"

// Handoff decides whether a visitor message needs a human operator. reply is
// shown to the visitor when no human is needed.
type Handoff interface {
	ShouldHandoff(ctx context.Context, message string, sessionID int64) (needsHuman bool, reply string, confidence float64, err error)
}

// StaticHandoff always asks for a human.
type StaticHandoff struct {
	Reply string
}

func (h StaticHandoff) ShouldHandoff(context.Context, string, int64) (bool, string, float64, error) {
	return true, h.Reply, 0, nil
}
