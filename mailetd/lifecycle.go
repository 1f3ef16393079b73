package mailetd

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shutdown is canceled when a graceful shutdown is initiated. The spool
// reader and the connection handlers check it before starting a new
// operation.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by most operations. It is canceled after
// the mails being processed have finished, or a timeout after graceful
// shutdown was initiated. This aborts active operations.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// Jobs holds the number of mails being processed. Shutdown waits for them to
// finish.
var Jobs = &jobs{}

type jobs struct {
	sync.Mutex
	active int
	dones  []chan struct{}
}

var _ = promauto.NewGaugeFunc(
	prometheus.GaugeOpts{
		Name: "mailet_jobs_active",
		Help: "Mails currently being processed.",
	},
	func() float64 {
		Jobs.Lock()
		defer Jobs.Unlock()
		return float64(Jobs.active)
	},
)

// Start registers a new job. It returns false if shutdown has been initiated,
// in which case the job must not be started.
func (j *jobs) Start() bool {
	select {
	case <-Shutdown.Done():
		return false
	default:
	}
	j.Lock()
	defer j.Unlock()
	j.active++
	return true
}

// Finish marks a job started with Start as done.
func (j *jobs) Finish() {
	j.Lock()
	defer j.Unlock()
	j.active--
	if j.active < 0 {
		panic("jobs finished more often than started")
	}
	if j.active > 0 {
		return
	}
	for _, done := range j.dones {
		close(done)
	}
	j.dones = nil
}

// Active returns the number of jobs being processed.
func (j *jobs) Active() int {
	j.Lock()
	defer j.Unlock()
	return j.active
}

// Done returns a channel that is closed when no jobs are active.
func (j *jobs) Done() chan struct{} {
	j.Lock()
	defer j.Unlock()
	c := make(chan struct{})
	if j.active == 0 {
		close(c)
		return c
	}
	j.dones = append(j.dones, c)
	return c
}
