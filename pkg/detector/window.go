package detector

import "gonum.org/v1/gonum/stat"

// ScoreWindow is a fixed-capacity ring buffer of the most recent composite
// scores for one symbol.
type ScoreWindow struct {
	buf  []float64
	next int
	full bool
}

// NewScoreWindow creates a window holding at most size scores.
func NewScoreWindow(size int) *ScoreWindow {
	if size < 1 {
		size = 1
	}
	return &ScoreWindow{buf: make([]float64, size)}
}

// Push appends a score, evicting the oldest once full.
func (w *ScoreWindow) Push(v float64) {
	w.buf[w.next] = v
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

// Len returns the number of scores held.
func (w *ScoreWindow) Len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// Values returns the held scores oldest first.
func (w *ScoreWindow) Values() []float64 {
	if !w.full {
		return append([]float64(nil), w.buf[:w.next]...)
	}
	out := make([]float64, 0, len(w.buf))
	out = append(out, w.buf[w.next:]...)
	return append(out, w.buf[:w.next]...)
}

// Stats returns the mean and sample standard deviation of the window.
// An empty window yields (0, 0); a single score yields (score, 0).
func (w *ScoreWindow) Stats() (mean, std float64) {
	n := w.Len()
	switch n {
	case 0:
		return 0, 0
	case 1:
		return w.Values()[0], 0
	}
	return stat.MeanStdDev(w.Values(), nil)
}
