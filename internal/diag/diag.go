/*
 * shadowfp - Diagnostic accumulators
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package diag holds the process-wide diagnostic accumulators (C5):
// per-origin mean/max relative error, the introduced-error residual, the
// stage-iteration divergence tracker, and the precision-specific-operation
// (PSO) detector. None of these mutate shadow.SV state; they read the
// numbers the evaluator hands them and keep running summaries.
package diag

import "math"

// MeanEntry is the per-origin accumulator the evaluator feeds after every
// operation at that origin.
type MeanEntry struct {
	Count            uint64
	SumRel, MaxRel   float64
	SumCanceled      uint64
	MaxCanceled      uint64
	SumBadness       float64
	MaxBadness       float64
	ParentOrigins    [2]uint64
	HasParent        [2]bool
	Visited          bool
	CanceledOverflow bool
}

// MeanTable is the process-wide keyed-by-origin accumulator set.
type MeanTable struct {
	entries map[uint64]*MeanEntry
}

// NewMeanTable creates an empty table.
func NewMeanTable() *MeanTable {
	return &MeanTable{entries: make(map[uint64]*MeanEntry)}
}

// Get returns the accumulator for origin, if one has been recorded.
func (t *MeanTable) Get(origin uint64) (*MeanEntry, bool) {
	e, ok := t.entries[origin]
	return e, ok
}

// Range calls fn for every origin currently accumulated, in no
// particular order, for report generation at run end.
func (t *MeanTable) Range(fn func(origin uint64, e *MeanEntry)) {
	for origin, e := range t.entries {
		fn(origin, e)
	}
}

// Record folds one evaluation's numbers into origin's accumulator,
// creating it on first use.
func (t *MeanTable) Record(origin uint64, relErr float64, canceled uint64, badness float64, parents [2]uint64, hasParent [2]bool) *MeanEntry {
	e, ok := t.entries[origin]
	if !ok {
		e = &MeanEntry{}
		t.entries[origin] = e
	}
	e.Count++
	e.SumRel += relErr
	if relErr > e.MaxRel {
		e.MaxRel = relErr
		e.ParentOrigins = parents
		e.HasParent = hasParent
	}

	prevSum := e.SumCanceled
	e.SumCanceled += canceled
	if e.SumCanceled < prevSum {
		e.CanceledOverflow = true
	}
	if canceled > e.MaxCanceled {
		e.MaxCanceled = canceled
	}

	e.SumBadness += badness
	if badness > e.MaxBadness {
		e.MaxBadness = badness
	}
	return e
}

// Mean returns the running mean relative error at origin.
func (e *MeanEntry) Mean() float64 {
	if e.Count == 0 {
		return 0
	}
	return e.SumRel / float64(e.Count)
}

// IntroducedError computes the residual error an origin's own operation
// introduced, beyond whatever its operands already carried (design notes
// §9, "introduced error"): when both parents are distinct from self,
// subtract the larger parent's max from self's max; when a parent equals
// self (a recursive origin), use self's max directly; with only one
// parent, subtract that parent's max. A negative result means the op did
// not introduce new error.
func (t *MeanTable) IntroducedError(origin uint64) (float64, bool) {
	self, ok := t.entries[origin]
	if !ok {
		return 0, false
	}

	p0, p1 := self.ParentOrigins[0], self.ParentOrigins[1]
	has0, has1 := self.HasParent[0], self.HasParent[1]

	switch {
	case has0 && has1:
		if p0 == origin || p1 == origin {
			return self.MaxRel, true
		}
		parentMax := t.maxOf(p0)
		if m := t.maxOf(p1); m > parentMax {
			parentMax = m
		}
		return self.MaxRel - parentMax, true
	case has0:
		if p0 == origin {
			return self.MaxRel, true
		}
		return self.MaxRel - t.maxOf(p0), true
	case has1:
		if p1 == origin {
			return self.MaxRel, true
		}
		return self.MaxRel - t.maxOf(p1), true
	default:
		return self.MaxRel, true
	}
}

func (t *MeanTable) maxOf(origin uint64) float64 {
	if e, ok := t.entries[origin]; ok {
		return e.MaxRel
	}
	return 0
}

// MaxStages bounds the user-addressable stage index space.
const MaxStages = 64

type stageSample struct {
	value  float64
	relErr float64
}

type stage struct {
	active    bool
	iteration int
	oldVals   map[uint64]stageSample
	newVals   map[uint64]stageSample
	limits    map[uint64]float64
}

// StageDivergence is one stage-report record: a memory address whose
// relative-error delta between successive iterations exceeded the
// previously observed limit.
type StageDivergence struct {
	Addr    uint64
	Count   int
	IterMin int
	IterMax int
	Limit   float64
}

// StageTable implements the BEGIN_STAGE/END_STAGE/CLEAR_STAGE bracket
// and the per-address divergence reports those brackets produce.
type StageTable struct {
	stages  [MaxStages]stage
	reports map[uint64]*StageDivergence
}

// NewStageTable creates an empty stage tracker.
func NewStageTable() *StageTable {
	return &StageTable{reports: make(map[uint64]*StageDivergence)}
}

// Begin starts a new iteration of stage i.
func (st *StageTable) Begin(i int) {
	s := &st.stages[i]
	s.active = true
	s.iteration++
	s.newVals = make(map[uint64]stageSample)
	if s.limits == nil {
		s.limits = make(map[uint64]float64)
	}
}

// Clear discards all stage i state, including its limits and iteration
// count.
func (st *StageTable) Clear(i int) {
	st.stages[i] = stage{}
}

// AnyActive reports whether any stage is currently active (C3's Store
// handler consults this on every tracked memory write).
func (st *StageTable) AnyActive() bool {
	for i := range st.stages {
		if st.stages[i].active {
			return true
		}
	}
	return false
}

// RecordStore folds a tracked memory store's value/relative-error pair
// into every active stage's newVals, keeping the largest relative error
// seen for that address since the stage's last Begin.
func (st *StageTable) RecordStore(addr uint64, value, relErr float64) {
	for i := range st.stages {
		s := &st.stages[i]
		if !s.active {
			continue
		}
		cur, ok := s.newVals[addr]
		if !ok || relErr > cur.relErr {
			s.newVals[addr] = stageSample{value: value, relErr: relErr}
		}
	}
}

// End closes out iteration i, comparing against the previous iteration's
// values and emitting/updating divergence reports where the delta
// exceeds the stored limit; it returns the reports touched this call.
func (st *StageTable) End(i int) []*StageDivergence {
	s := &st.stages[i]
	s.active = false

	var touched []*StageDivergence
	for addr, nv := range s.newVals {
		ov, ok := s.oldVals[addr]
		if !ok {
			continue
		}
		diff := math.Abs(ov.relErr - nv.relErr)
		if diff > s.limits[addr] {
			rep, ok := st.reports[addr]
			if !ok {
				rep = &StageDivergence{Addr: addr, IterMin: s.iteration, IterMax: s.iteration}
				st.reports[addr] = rep
			}
			rep.Count++
			if s.iteration > rep.IterMax {
				rep.IterMax = s.iteration
			}
			if s.iteration < rep.IterMin {
				rep.IterMin = s.iteration
			}
			s.limits[addr] = diff
			rep.Limit = diff
			touched = append(touched, rep)
		}
	}
	s.oldVals = s.newVals
	s.newVals = nil
	return touched
}

// Reports returns every stage-divergence record accumulated so far.
func (st *StageTable) Reports() map[uint64]*StageDivergence {
	return st.reports
}

// pendingPSO is one origin's running counts within the current
// beginOneRun()/endOneRun() cycle.
type pendingPSO struct {
	ErrCnt, OvCnt, TotalCnt uint64
}

// DetectedPSO marks an origin the detector persisted as a
// precision-specific operation. Candidates classified as false positives
// are deleted rather than stored, so FalsePositive is false on every
// persisted entry.
type DetectedPSO struct {
	FalsePositive bool
}

// inflationThreshold, nearZeroOriginal, and nearZeroShadow are the PSO
// classification constants from §4.5's analyzePSO.
const (
	inflationThreshold = 1e6
	nearZeroOriginal   = 1e-9
	nearZeroShadow     = 1e-15
	candidateFraction  = 0.7
	falsePositiveFrac  = 0.1
)

// PSODetector accumulates one run's per-origin error/overflow counts and
// persists the origins that classify as precision-specific operations.
type PSODetector struct {
	errorMap map[uint64]*pendingPSO
	detected map[uint64]*DetectedPSO
	latch    map[uint64]bool
	running  bool
}

// NewPSODetector creates an empty detector with no persisted PSOs.
func NewPSODetector() *PSODetector {
	return &PSODetector{
		errorMap: make(map[uint64]*pendingPSO),
		detected: make(map[uint64]*DetectedPSO),
	}
}

// BeginRun starts a fresh detection cycle, discarding the previous run's
// in-progress counts (detectedPSO itself is untouched).
func (d *PSODetector) BeginRun() {
	d.errorMap = make(map[uint64]*pendingPSO)
	d.running = true
}

// BeginInstance resets the per-instance latch: only the first PSO
// candidate event per operand within one guest instance counts.
func (d *PSODetector) BeginInstance() {
	d.latch = make(map[uint64]bool)
}

// IsFinished reports whether a detection run is not currently open.
func (d *PSODetector) IsFinished() bool {
	return !d.running
}

// Analyze folds one operation's input/output relative error into the
// PSO counts for origin. inputRel is the max of the operand input
// relative errors; originalAbs/shadowAbs are the guest IEEE and shadow
// magnitudes used for the near-zero classification.
func (d *PSODetector) Analyze(origin uint64, inputRel, outputRel, originalAbs, shadowAbs float64) {
	if !d.running || d.latch[origin] {
		return
	}
	d.latch[origin] = true

	var inflation float64
	if inputRel == 0 {
		inflation = math.Abs(outputRel)
	} else {
		inflation = math.Abs(outputRel / inputRel)
	}

	e, ok := d.errorMap[origin]
	if !ok {
		e = &pendingPSO{}
		d.errorMap[origin] = e
	}
	e.TotalCnt++
	if inflation >= inflationThreshold {
		e.ErrCnt++
		if math.Abs(originalAbs) < nearZeroOriginal && math.Abs(shadowAbs) < nearZeroShadow {
			e.OvCnt++
		}
	}
}

// EndRun closes the detection cycle, promoting candidates to
// detectedPSO (purging those that classify as false positives) and
// clearing the "running" flag so IsFinished reports true.
func (d *PSODetector) EndRun() {
	for origin, e := range d.errorMap {
		if e.TotalCnt == 0 {
			continue
		}
		if float64(e.ErrCnt) > float64(e.TotalCnt)*candidateFraction {
			falsePositive := float64(e.OvCnt)/float64(e.TotalCnt) > falsePositiveFrac
			if falsePositive {
				delete(d.detected, origin)
				continue
			}
			d.detected[origin] = &DetectedPSO{FalsePositive: false}
		}
	}
	d.running = false
}

// IsPSO reports whether origin is a persisted, non-false-positive PSO
// site; the evaluator consults this to decide whether to substitute
// midValue for value at that origin.
func (d *PSODetector) IsPSO(origin uint64) bool {
	_, ok := d.detected[origin]
	return ok
}

// Range calls fn for every origin currently persisted as a detected
// PSO, for the _pso.log report.
func (d *PSODetector) Range(fn func(origin uint64, e *DetectedPSO)) {
	for origin, e := range d.detected {
		fn(origin, e)
	}
}

// BranchDivergence tracks CmpF64 sites where the IEEE comparison and the
// high-precision shadow disagreed, emitting at most one notice per site.
type BranchDivergence struct {
	notified map[uint64]bool
}

// NewBranchDivergence creates an empty tracker.
func NewBranchDivergence() *BranchDivergence {
	return &BranchDivergence{notified: make(map[uint64]bool)}
}

// Notify reports whether this is the first divergence seen at origin
// (and records it if so), so the caller logs exactly once per site.
func (b *BranchDivergence) Notify(origin uint64) bool {
	if b.notified[origin] {
		return false
	}
	b.notified[origin] = true
	return true
}
