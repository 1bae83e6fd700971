/******************************************************************************
 *
 *  Description :
 *    A small goroutine pool for best-effort side effects: journal
 *    writes and inbox notifications run here so they never extend the
 *    latency of the send path.
 *
 *****************************************************************************/
package concurrency

// Task represents a unit of work to be run on the pool.
type Task func()

// GoRoutinePool caps the number of concurrently running goroutines.
type GoRoutinePool struct {
	// Work queue.
	work chan Task
	// Counter to control the number of already allocated/running goroutines.
	sem chan struct{}
	// Exit knob.
	stop chan struct{}
}

// NewGoRoutinePool allocates a new pool of `numWorkers` goroutines.
// Workers are started lazily on first use.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}, numWorkers),
	}
}

// Schedule enqueues a closure to run on the pool's goroutines.
func (p *GoRoutinePool) Schedule(task Task) {
	select {
	case p.work <- task:
	case p.sem <- struct{}{}:
		go p.worker(task)
	}
}

// Stop sends a stop signal to all running goroutines.
func (p *GoRoutinePool) Stop() {
	numWorkers := cap(p.sem)
	for i := 0; i < numWorkers; i++ {
		p.stop <- struct{}{}
	}
}

func (p *GoRoutinePool) worker(task Task) {
	defer func() { <-p.sem }()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.stop:
			return
		}
	}
}
