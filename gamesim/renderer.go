package gamesim

import (
	"github.com/sirupsen/logrus"
)

// LogRenderer is a minimal frame renderer that reports the rendered slot's
// state through the logger at a reduced rate. It stands in for a graphical
// viewer; the ownership-transfer rules around reconstruction are identical.
type LogRenderer struct {
	Every  int64 // log one frame out of Every; <=1 logs all
	closed bool
}

// NewLogRenderer returns a renderer logging every nth frame.
func NewLogRenderer(every int64) *LogRenderer {
	if every < 1 {
		every = 1
	}
	return &LogRenderer{Every: every}
}

// DrawFrame logs a one-line summary of the frame.
func (r *LogRenderer) DrawFrame(f Frame) error {
	if r.closed || f.Tick%r.Every != 0 {
		return nil
	}
	logrus.Infof("[render] tick %06d ball=(%.0f, %.0f) cars=%d score %d-%d",
		f.Tick, f.BallPos[0], f.BallPos[1], len(f.Cars), f.Score[0], f.Score[1])
	return nil
}

// Close marks the renderer unusable. Idempotent.
func (r *LogRenderer) Close() error {
	r.closed = true
	return nil
}
