package utils

import (
	"time"
)

// Pacer enforces a minimum spacing between consecutive sends. The first call
// to Pace never waits; later calls sleep for whatever part of the spacing
// has not yet elapsed since the previous call or the latest Mark. Callers
// Mark when a send finishes so the gap is measured from its end. A Pacer is
// not safe for concurrent use; each batch owns its own.
type Pacer struct {
	clock   Clock
	spacing time.Duration
	last    time.Time
	started bool
}

// NewPacer returns a Pacer with the given minimum spacing.
func NewPacer(clock Clock, spacing time.Duration) *Pacer {
	return &Pacer{clock: clock, spacing: spacing}
}

// Pace blocks until a send is allowed and returns how long it waited.
func (p *Pacer) Pace() time.Duration {
	var waited time.Duration
	if p.started && p.spacing > 0 {
		if remaining := p.spacing - p.clock.Now().Sub(p.last); remaining > 0 {
			p.clock.Sleep(remaining)
			waited = remaining
		}
	}
	p.started = true
	p.last = p.clock.Now()
	return waited
}

// Mark records the end of a send. The next Pace waits the full spacing from
// this point.
func (p *Pacer) Mark() {
	p.started = true
	p.last = p.clock.Now()
}
