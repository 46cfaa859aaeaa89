package reactctrl

import (
	"sync"

	"go.viam.com/rdk/spatialmath"
)

type targetRequest struct {
	pose     spatialmath.Pose
	relative bool
}

// pendingUpdates is what callers have asked for since the last cycle.
type pendingUpdates struct {
	target    *targetRequest
	stop      bool
	tol       *float64
	trajTime  *float64
	verbosity *int
}

func (u pendingUpdates) empty() bool {
	return u.target == nil && !u.stop && u.tol == nil && u.trajTime == nil && u.verbosity == nil
}

// pendingSlot hands updates from caller goroutines to the control worker.
// The lock is held for assignment only. Later writes replace earlier ones.
type pendingSlot struct {
	mu      sync.Mutex
	updates pendingUpdates
}

func (p *pendingSlot) setTarget(pose spatialmath.Pose, relative bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates.target = &targetRequest{pose: pose, relative: relative}
	p.updates.stop = false
}

func (p *pendingSlot) setStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates.stop = true
	p.updates.target = nil
}

func (p *pendingSlot) setTol(tol float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates.tol = &tol
}

func (p *pendingSlot) setTrajTime(trajTime float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates.trajTime = &trajTime
}

func (p *pendingSlot) setVerbosity(level int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates.verbosity = &level
}

// take empties the slot and returns what was in it.
func (p *pendingSlot) take() pendingUpdates {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.updates
	p.updates = pendingUpdates{}
	return u
}
