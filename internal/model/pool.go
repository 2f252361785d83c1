package model

import "runtime"

type laneTask struct {
	args   *scanArgs
	chunk  int
	ls, le int
	done   chan struct{}
}

// lanePool executes scan lanes across a fixed set of workers. Each worker
// owns a scratch region sized for one chunk, so pool size bounds scratch
// memory no matter how long the sequence is.
type lanePool struct {
	size      int
	tasks     chan laneTask
	doneSlots chan chan struct{}
}

func newLanePool(workers, chunk, dState int) *lanePool {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
		if workers < 1 {
			workers = 1
		}
	}
	if chunk < 1 {
		chunk = 1
	}
	p := &lanePool{
		size:      workers,
		tasks:     make(chan laneTask, workers*2),
		doneSlots: make(chan chan struct{}, workers),
	}
	for i := 0; i < workers; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < workers; i++ {
		go func() {
			decay := make([]float32, chunk)
			inject := make([]float32, chunk*dState)
			for task := range p.tasks {
				scanLanes(task.args, task.chunk, decay, inject, task.ls, task.le)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// run splits the (batch, head) lane space across the workers and blocks
// until every range has completed.
func (p *lanePool) run(a *scanArgs, chunk int) {
	lanes := a.batch * a.heads
	if lanes == 0 {
		return
	}
	workers := p.size
	if workers > lanes {
		workers = lanes
	}
	span := (lanes + workers - 1) / workers

	dones := make([]chan struct{}, 0, workers)
	for ls := 0; ls < lanes; ls += span {
		le := ls + span
		if le > lanes {
			le = lanes
		}
		done := <-p.doneSlots
		dones = append(dones, done)
		p.tasks <- laneTask{args: a, chunk: chunk, ls: ls, le: le, done: done}
	}
	for _, done := range dones {
		<-done
		p.doneSlots <- done
	}
}
