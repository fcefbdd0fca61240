package tensor

import "runtime"

type poolTask struct {
	f      func(i int)
	is, ie int
	done   chan struct{}
}

// Pool runs independent work units across a fixed set of worker goroutines.
// Units are identified by index; the pool makes no ordering guarantee between
// units, so callers must only submit units that share no mutable state.
type Pool struct {
	size      int
	tasks     chan poolTask
	doneSlots chan chan struct{}
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:      size,
		tasks:     make(chan poolTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				for i := task.is; i < task.ie; i++ {
					task.f(i)
				}
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var workPool = NewPool(runtime.GOMAXPROCS(0))

// Default returns the process-wide pool sized to GOMAXPROCS.
func Default() *Pool {
	return workPool
}

// Size reports the number of worker goroutines.
func (p *Pool) Size() int {
	return p.size
}

// Run executes f(i) for every i in [0, n), spreading contiguous ranges of
// units over at most workers goroutines. It returns once every unit has
// completed. Run must not be called from inside a pool task.
func (p *Pool) Run(n, workers int, f func(i int)) {
	if n <= 0 {
		return
	}
	if workers <= 0 {
		workers = p.size
	}
	if workers > n {
		workers = n
	}
	if workers > p.size {
		workers = p.size
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots
	sent := 0
	for w := 0; w < workers; w++ {
		is := w * chunk
		if is >= n {
			break
		}
		ie := min(is+chunk, n)
		p.tasks <- poolTask{f: f, is: is, ie: ie, done: done}
		sent++
	}
	for i := 0; i < sent; i++ {
		<-done
	}
	p.doneSlots <- done
}
