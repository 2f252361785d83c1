package tensor

import (
	"runtime"
	"sync"
)

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool()
	})
	return matVecWorkPool
}

func newMatVecPool() *matVecPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < size; i++ {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// matVecParallelThreshold is the minimum number of multiply-adds before
// MatVec fans rows out to the worker pool; below it the dispatch overhead
// dominates.
const matVecParallelThreshold = 64 * 1024

// MatVec computes dst = w * x where w is a [R x C] matrix and x a length-C
// vector. dst must have length >= R. Large matrices are split row-wise
// across the shared worker pool.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(x) < w.C {
		panic("matvec: input vector too short")
	}
	if len(dst) < w.R {
		panic("matvec: output vector too short")
	}
	if w.R*w.C < matVecParallelThreshold {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	p := getMatVecPool()
	workers := p.size
	if workers > w.R {
		workers = w.R
	}
	chunk := (w.R + workers - 1) / workers

	dones := make([]chan struct{}, 0, workers)
	for rs := 0; rs < w.R; rs += chunk {
		re := rs + chunk
		if re > w.R {
			re = w.R
		}
		done := <-p.doneSlots
		dones = append(dones, done)
		p.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: re, done: done}
	}
	for _, done := range dones {
		<-done
		p.doneSlots <- done
	}
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	for r := rs; r < re; r++ {
		dst[r] = Dot(w.Row(r), x[:w.C])
	}
}

// MatVecBias computes dst = w*x + bias. A nil bias is treated as zero.
func MatVecBias(dst []float32, w *Mat, x, bias []float32) {
	MatVec(dst, w, x)
	if bias != nil {
		Add(dst[:w.R], bias)
	}
}
