package trigger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	// ErrCycleDetected reports that a (model, event) pair re-entered the
	// dispatcher while an earlier dispatch of the same pair was still on the
	// call stack.
	ErrCycleDetected = errors.New("trigger cycle detected")

	// ErrDepthExceeded reports that a (model, event) pair was dispatched more
	// times within one root operation than the guard allows.
	ErrDepthExceeded = errors.New("trigger depth exceeded")
)

// DefaultMaxDepth is the number of times one (model, event) pair may be
// dispatched within a single root operation before the guard trips.
const DefaultMaxDepth = 10

// Guard detects runaway trigger recursion. Both failure modes are fatal to
// the operation: a cycle means a handler's nested write re-entered its own
// (model, event) pair, and depth exhaustion means non-cyclic fan-out grew
// past maxDepth dispatches of one pair.
type Guard struct {
	maxDepth int
}

func NewGuard(maxDepth int) *Guard {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Guard{maxDepth: maxDepth}
}

type guardFrame struct {
	model reflect.Type
	event Event
}

func (f guardFrame) String() string {
	return f.model.Name() + ":" + string(f.event)
}

// guardState rides the context by pointer so nested dispatches within one
// operation mutate the same stack and counters.
type guardState struct {
	stack []guardFrame
	seen  map[guardFrame]int
}

type guardCtxKey struct{}

func stateFrom(ctx context.Context) (*guardState, context.Context) {
	if st, ok := ctx.Value(guardCtxKey{}).(*guardState); ok {
		return st, ctx
	}
	st := &guardState{seen: map[guardFrame]int{}}
	return st, context.WithValue(ctx, guardCtxKey{}, st)
}

func (st *guardState) describe() []string {
	out := make([]string, len(st.stack))
	for i, f := range st.stack {
		out[i] = f.String()
	}
	return out
}

// Enter records a dispatch of event for model. On success it returns the
// context to pass to handlers and a release func the caller must defer; the
// counters for the operation reset once the stack unwinds completely. On a
// cycle or depth overflow it returns a fatal error and no release.
func (g *Guard) Enter(ctx context.Context, model reflect.Type, event Event) (context.Context, func(), error) {
	st, ctx := stateFrom(ctx)
	frame := guardFrame{model: model, event: event}

	for _, active := range st.stack {
		if active == frame {
			return ctx, nil, fmt.Errorf("%w: %s re-entered while still executing (stack: %s)",
				ErrCycleDetected, frame, strings.Join(st.describe(), " -> "))
		}
	}
	if st.seen[frame] >= g.maxDepth {
		return ctx, nil, fmt.Errorf("%w: %s dispatched %d times in one operation (max %d)",
			ErrDepthExceeded, frame, st.seen[frame], g.maxDepth)
	}

	st.stack = append(st.stack, frame)
	st.seen[frame]++
	release := func() {
		st.stack = st.stack[:len(st.stack)-1]
		if len(st.stack) == 0 {
			clear(st.seen)
		}
	}
	return ctx, release, nil
}

// Depth returns how many dispatches are currently on the guard stack for
// this context. Zero outside any dispatch.
func Depth(ctx context.Context) int {
	if st, ok := ctx.Value(guardCtxKey{}).(*guardState); ok {
		return len(st.stack)
	}
	return 0
}

// CallStack returns the active dispatch frames, outermost first.
func CallStack(ctx context.Context) []string {
	if st, ok := ctx.Value(guardCtxKey{}).(*guardState); ok {
		return st.describe()
	}
	return nil
}
