package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// action is one scripted operator move on a conversation.
type action func(u *Upstream, id int64)

type scriptStep struct {
	tick int
	do   action
}

// script is a named operator behavior pattern.
type script struct {
	name  string
	steps []scriptStep
}

func say(body string) action {
	return func(u *Upstream, id int64) { u.OperatorSay(id, body) }
}

func join(u *Upstream, id int64) { u.OperatorJoin(id) }

func leave(u *Upstream, id int64) { u.OperatorLeave(id) }

func closeConv(u *Upstream, id int64) { u.Close(id) }

// replyToVisitor answers the latest message the bridge posted.
func replyToVisitor(u *Upstream, id int64) {
	msgs := u.Messages(id)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].AuthorID == BridgePartnerID {
			u.OperatorSay(id, fmt.Sprintf("Thanks, I see: %q. Let me check.", msgs[i].Body))
			return
		}
	}
	u.OperatorSay(id, "Could you describe the problem?")
}

var scripts = []script{
	{
		name: "helpful",
		steps: []scriptStep{
			{2, join},
			{3, say("Hi, I'm Mitchell. How can I help?")},
			{6, replyToVisitor},
			{10, say("That should be fixed now.")},
			{12, say("Anything else?")},
			{18, closeConv},
		},
	},
	{
		name: "handoff",
		steps: []scriptStep{
			{2, join},
			{3, say("Hello! One moment please.")},
			{5, leave},
			{9, join},
			{10, replyToVisitor},
			{16, closeConv},
		},
	},
	{
		name: "abandon",
		steps: []scriptStep{
			{3, join},
			{4, say("Hi there.")},
			// Visitor left alone ends the session on the bridge side.
			{7, leave},
		},
	},
}

// Generator drives scripted operator behavior on every conversation the
// fake upstream opens, cycling through the scripts in order.
type Generator struct {
	upstream *Upstream
	tick     time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	next int
}

func NewGenerator(u *Upstream, tick time.Duration, logger *slog.Logger) *Generator {
	if tick <= 0 {
		tick = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{upstream: u, tick: tick, logger: logger.With("component", "mock")}
}

// Start hooks the generator into the upstream. Scripts stop when ctx is
// done.
func (g *Generator) Start(ctx context.Context) {
	g.upstream.OnCreate(func(id int64) {
		sc := g.nextScript()
		g.logger.Info("scripting conversation", "session", id, "script", sc.name)
		go g.run(ctx, id, sc)
	})
}

func (g *Generator) nextScript() script {
	g.mu.Lock()
	defer g.mu.Unlock()
	sc := scripts[g.next%len(scripts)]
	g.next++
	return sc
}

func (g *Generator) run(ctx context.Context, id int64, sc script) {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	tick := 0
	pending := sc.steps
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			for len(pending) > 0 && pending[0].tick <= tick {
				pending[0].do(g.upstream, id)
				pending = pending[1:]
			}
		}
	}
}
