package pipeline

import (
	"fmt"
	"sync"

	"src.rsh.sh/pkg/command"
)

const pipelineChanBufferSize = 32

// Invoker is a bound pipeline: one materialised stage per element, ready to
// run. It implements command.Invoker, so a bound pipeline can itself be a
// stage of another pipeline.
type Invoker struct {
	stages []command.Invoker
}

// Len returns the number of stages.
func (inv *Invoker) Len() int { return len(inv.stages) }

// Invoke runs all stages concurrently, each in its own goroutine, connecting
// the output of each stage to the input of the next one. The first stage
// reads from in and the last writes to out. Invoke returns after all stages
// have returned.
func (inv *Invoker) Invoke(ctx *command.Context, in <-chan any, out chan<- any) error {
	if out == nil {
		discard := make(chan any, pipelineChanBufferSize)
		go func() {
			for range discard {
			}
		}()
		defer close(discard)
		out = discard
	}
	n := len(inv.stages)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	nextIn := in
	for i, stage := range inv.stages {
		stageIn := nextIn
		var stageOut chan<- any
		var pipe chan any
		if i < n-1 {
			pipe = make(chan any, pipelineChanBufferSize)
			stageOut = pipe
			nextIn = pipe
		} else {
			stageOut = out
		}
		go func(i int, stage command.Invoker) {
			errs[i] = runStage(ctx, stage, stageIn, stageOut)
			if pipe != nil {
				close(pipe)
			}
			wg.Done()
			if i > 0 {
				// Keep reading so that the previous stage never blocks
				// writing to a stage that has stopped reading.
				for range stageIn {
				}
			}
		}(i, stage)
	}
	wg.Wait()
	return makePipelineError(errs)
}

func runStage(ctx *command.Context, stage command.Invoker, in <-chan any, out chan<- any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return stage.Invoke(ctx, in, out)
}

func closedChan() <-chan any {
	ch := make(chan any)
	close(ch)
	return ch
}
