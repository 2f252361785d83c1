package model

import "math"

// scanArgs carries one selective-scan invocation. All tensors are flat
// row-major float32:
//
//	x, out  [batch, seqLen, heads*headDim]
//	dt      [batch, seqLen, heads]        (already softplus'd and clamped)
//	b, c    [batch, seqLen, groups*dState]
//	aLog, d [heads]
//	state   [batch, heads, headDim, dState]
//
// state is the seed state on entry and the final state on return; it is
// updated in place, exactly once per time step, and never read within a
// step before its own update. The recurrence per (batch, head, feature,
// state-dim) lane is
//
//	s <- s*exp(dt*-exp(aLog)) + dt*B*x
//	y   = sum_n C[n]*s[n] + D*x
//
// with B and C broadcast from the head's group.
type scanArgs struct {
	batch  int
	seqLen int

	heads   int
	headDim int
	dState  int
	groups  int

	x     []float32
	dt    []float32
	aLog  []float32
	b     []float32
	c     []float32
	d     []float32
	state []float32
	out   []float32
}

// scanner is the strategy interface of the recurrence engine. Both
// implementations compute the identical recurrence; feeding a sequence
// through either in one call, or token by token with the state carried
// between calls, yields equal outputs within floating-point tolerance.
type scanner interface {
	scan(a *scanArgs)
}

// sequentialScanner is the reference strategy: an explicit loop over time
// steps with nothing precomputed. It allocates no scratch and is the path
// used for single-step decoding.
type sequentialScanner struct{}

func (sequentialScanner) scan(a *scanArgs) {
	groupSize := a.heads / a.groups
	inner := a.heads * a.headDim
	gn := a.groups * a.dState

	for bi := 0; bi < a.batch; bi++ {
		for t := 0; t < a.seqLen; t++ {
			row := bi*a.seqLen + t
			xRow := a.x[row*inner : (row+1)*inner]
			outRow := a.out[row*inner : (row+1)*inner]
			dtRow := a.dt[row*a.heads : (row+1)*a.heads]
			bRow := a.b[row*gn : (row+1)*gn]
			cRow := a.c[row*gn : (row+1)*gn]

			for h := 0; h < a.heads; h++ {
				negA := -math.Exp(float64(a.aLog[h]))
				dtv := dtRow[h]
				dA := float32(math.Exp(float64(dtv) * negA))
				g := h / groupSize
				bg := bRow[g*a.dState : (g+1)*a.dState]
				cg := cRow[g*a.dState : (g+1)*a.dState]

				for p := 0; p < a.headDim; p++ {
					xv := xRow[h*a.headDim+p]
					base := (((bi*a.heads)+h)*a.headDim + p) * a.dState
					var sum float32
					for n := 0; n < a.dState; n++ {
						s := a.state[base+n]*dA + dtv*bg[n]*xv
						a.state[base+n] = s
						sum += cg[n] * s
					}
					outRow[h*a.headDim+p] = sum + a.d[h]*xv
				}
			}
		}
	}
}

// chunkedScanner is the batched strategy: the time axis is processed in
// chunk-size blocks with the per-step decay and gated injection terms
// precomputed once per block, and independent (batch, head) lanes fanned
// out across a worker pool. Scratch stays bounded by the chunk size.
type chunkedScanner struct {
	chunk int
	pool  *lanePool
}

func newChunkedScanner(chunk, dState, workers int) *chunkedScanner {
	if chunk < 1 {
		chunk = 1
	}
	return &chunkedScanner{
		chunk: chunk,
		pool:  newLanePool(workers, chunk, dState),
	}
}

func (s *chunkedScanner) scan(a *scanArgs) {
	s.pool.run(a, s.chunk)
}

// scanLanes runs the recurrence for lanes [ls, le) where a lane is one
// (batch, head) pair. decay and inject are worker-local scratch of length
// chunk and chunk*dState. Lanes share no mutable data, so concurrent
// calls on disjoint ranges need no synchronization.
func scanLanes(a *scanArgs, chunk int, decay, inject []float32, ls, le int) {
	groupSize := a.heads / a.groups
	inner := a.heads * a.headDim
	gn := a.groups * a.dState

	for l := ls; l < le; l++ {
		bi := l / a.heads
		h := l % a.heads
		g := h / groupSize
		negA := -math.Exp(float64(a.aLog[h]))
		dv := a.d[h]
		stateBase := ((bi*a.heads)+h)*a.headDim*a.dState

		for cs := 0; cs < a.seqLen; cs += chunk {
			ce := cs + chunk
			if ce > a.seqLen {
				ce = a.seqLen
			}

			// Hoist the per-step decay and injection rows out of the
			// feature loop: one exp per step instead of one per feature.
			for t := cs; t < ce; t++ {
				row := bi*a.seqLen + t
				dtv := a.dt[row*a.heads+h]
				decay[t-cs] = float32(math.Exp(float64(dtv) * negA))
				bg := a.b[row*gn+g*a.dState:]
				injRow := inject[(t-cs)*a.dState:]
				for n := 0; n < a.dState; n++ {
					injRow[n] = dtv * bg[n]
				}
			}

			for p := 0; p < a.headDim; p++ {
				st := a.state[stateBase+p*a.dState : stateBase+(p+1)*a.dState]
				for t := cs; t < ce; t++ {
					row := bi*a.seqLen + t
					xv := a.x[row*inner+h*a.headDim+p]
					dA := decay[t-cs]
					injRow := inject[(t-cs)*a.dState:]
					cg := a.c[row*gn+g*a.dState:]
					var sum float32
					for n := 0; n < a.dState; n++ {
						sv := st[n]*dA + injRow[n]*xv
						st[n] = sv
						sum += cg[n] * sv
					}
					a.out[row*inner+h*a.headDim+p] = sum + dv*xv
				}
			}
		}
	}
}

// newScanner builds the strategy selected by the capability descriptor.
func newScanner(cfg *Config, caps Capabilities) scanner {
	if !caps.Chunked {
		return sequentialScanner{}
	}
	return newChunkedScanner(cfg.ChunkSize, cfg.StateSize, caps.Workers)
}
