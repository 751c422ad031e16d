package replay

import (
	"fmt"

	"github.com/petrijr/turno/pkg/api"
)

// frame is one level of the control stack: a step sequence and the index of
// the step currently executing in it. Loop body frames additionally track
// the owning loop step so the condition can be re-tested between passes.
type frame struct {
	steps []api.Step
	idx   int
	loop  *api.Step
	iter  int
}

// cursor is the resume point of an execution: a stack of frames pointing at
// the step to run next. It only ever moves forward; rewinding is done by
// rebuilding the execution from history.
type cursor struct {
	frames []frame
}

func newCursor(steps []api.Step) *cursor {
	return &cursor{frames: []frame{{steps: steps}}}
}

// next returns the step the cursor points at, unwinding any completed
// frames first. Unwinding a loop frame re-tests the loop condition against
// state and either starts another pass or pops the frame. finished is true
// once the whole program has been consumed.
func (c *cursor) next(state []byte) (step *api.Step, finished bool, err error) {
	for len(c.frames) > 0 {
		top := &c.frames[len(c.frames)-1]
		if top.idx < len(top.steps) {
			return &top.steps[top.idx], false, nil
		}

		if top.loop != nil {
			top.iter++
			if loopActive(top.loop, top.iter, state) {
				if top.loop.MaxIterations > 0 && top.iter >= top.loop.MaxIterations {
					return nil, false, fmt.Errorf("loop %q still active after %d iterations", top.loop.Name, top.loop.MaxIterations)
				}
				top.idx = 0
				continue
			}
		}

		c.frames = c.frames[:len(c.frames)-1]
		if len(c.frames) > 0 {
			parent := &c.frames[len(c.frames)-1]
			parent.idx++
		}
	}
	return nil, true, nil
}

// advance marks the current step as completed.
func (c *cursor) advance() {
	top := &c.frames[len(c.frames)-1]
	top.idx++
}

// enter descends into a container step's body without advancing past the
// container; popping the pushed frame advances it instead. loop is non-nil
// when steps is a loop body.
func (c *cursor) enter(steps []api.Step, loop *api.Step) {
	c.frames = append(c.frames, frame{steps: steps, loop: loop})
}

// loopActive reports whether the loop should run another pass, iter being
// the number of passes completed so far. Counted loops ignore their
// condition.
func loopActive(loop *api.Step, iter int, state []byte) bool {
	if loop.Times > 0 {
		return iter < loop.Times
	}
	return loop.Cond(state)
}
