package stratum

import "time"

// Per-session difficulty bounds. The floor keeps CPU miners from
// flooding the server with trivial shares, the ceiling keeps a runaway
// retarget from silencing a real ASIC.
const (
	minSessionDifficulty = 0.001
	maxSessionDifficulty = 1e6
)

// shareInterval is the submission rate vardiff steers each miner toward.
const shareInterval = 10 * time.Second

// retargetWindow is how much history a retarget decision looks at. Six
// expected shares is enough signal to act on without chasing variance.
const retargetWindow = 6 * shareInterval

// maxAdjustStep bounds a single retarget in either direction.
const maxAdjustStep = 4.0

// Vardiff scales a session's stratum difficulty so the miner settles at
// one share per shareInterval. Not safe for concurrent use; the session
// serializes access.
type Vardiff struct {
	difficulty float64
	previous   float64

	windowStart time.Time
	submits     int
}

// NewVardiff starts a session at the given difficulty, clamped to the
// session bounds.
func NewVardiff(start float64) *Vardiff {
	return &Vardiff{
		difficulty:  clampDifficulty(start),
		windowStart: time.Now(),
	}
}

// SetDifficulty pins the difficulty and restarts the observation window
// so the override is not immediately retargeted away.
func (v *Vardiff) SetDifficulty(diff float64) {
	v.previous = v.difficulty
	v.difficulty = clampDifficulty(diff)
	v.windowStart = time.Now()
	v.submits = 0
}

// Difficulty returns the current difficulty.
func (v *Vardiff) Difficulty() float64 {
	return v.difficulty
}

// PrevDifficulty returns the difficulty before the last change, or 0 if
// it has never changed. Shares mined against it are still accepted
// during the changeover.
func (v *Vardiff) PrevDifficulty() float64 {
	return v.previous
}

// Submit records a share submission and returns true when the observed
// rate has drifted far enough that the difficulty changed.
func (v *Vardiff) Submit() bool {
	v.submits++

	elapsed := time.Since(v.windowStart)
	if elapsed < retargetWindow {
		return false
	}

	observed := elapsed.Seconds() / float64(v.submits)
	ideal := shareInterval.Seconds()

	v.windowStart = time.Now()
	v.submits = 0

	// Deadband: leave the miner alone within a quarter of the target
	// rate.
	if observed > ideal*0.75 && observed < ideal*1.25 {
		return false
	}

	step := ideal / observed
	if step > maxAdjustStep {
		step = maxAdjustStep
	} else if step < 1/maxAdjustStep {
		step = 1 / maxAdjustStep
	}

	next := clampDifficulty(v.difficulty * step)
	if next == v.difficulty {
		return false
	}
	v.previous = v.difficulty
	v.difficulty = next
	return true
}

func clampDifficulty(d float64) float64 {
	switch {
	case d < minSessionDifficulty:
		return minSessionDifficulty
	case d > maxSessionDifficulty:
		return maxSessionDifficulty
	}
	return d
}
