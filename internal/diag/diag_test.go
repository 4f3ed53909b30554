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

package diag

import "testing"

func TestMeanTableRecordsCountAndMax(t *testing.T) {
	mt := NewMeanTable()
	mt.Record(0x100, 1e-7, 3, 0, [2]uint64{}, [2]bool{})
	mt.Record(0x100, 1e-9, 1, 0, [2]uint64{}, [2]bool{})

	e, ok := mt.Get(0x100)
	if !ok {
		t.Fatalf("Get(0x100) not found after Record")
	}
	if e.Count != 2 {
		t.Errorf("Count = %d, want 2", e.Count)
	}
	if e.MaxRel != 1e-7 {
		t.Errorf("MaxRel = %v, want 1e-7 (the larger of the two recorded errors)", e.MaxRel)
	}
	if e.MaxCanceled != 3 {
		t.Errorf("MaxCanceled = %d, want 3", e.MaxCanceled)
	}
}

// IntroducedError with two distinct parents must subtract the larger
// parent's max from self's own max, per the design note's residual rule.
func TestIntroducedErrorTwoDistinctParents(t *testing.T) {
	mt := NewMeanTable()
	mt.Record(0xA, 1e-10, 0, 0, [2]uint64{}, [2]bool{})
	mt.Record(0xB, 1e-8, 0, 0, [2]uint64{}, [2]bool{})
	mt.Record(0xC, 1e-6, 0, 0, [2]uint64{0xA, 0xB}, [2]bool{true, true})

	got, ok := mt.IntroducedError(0xC)
	if !ok {
		t.Fatalf("IntroducedError(0xC) not found")
	}
	want := 1e-6 - 1e-8
	if got != want {
		t.Errorf("IntroducedError = %v, want %v (self max minus larger parent max)", got, want)
	}
}

// A self-referencing parent (a recursive origin) must use self's own max
// directly rather than attempt to subtract itself from itself.
func TestIntroducedErrorRecursiveParent(t *testing.T) {
	mt := NewMeanTable()
	mt.Record(0xD, 1e-5, 0, 0, [2]uint64{0xD, 0}, [2]bool{true, false})

	got, ok := mt.IntroducedError(0xD)
	if !ok {
		t.Fatalf("IntroducedError(0xD) not found")
	}
	if got != 1e-5 {
		t.Errorf("IntroducedError = %v, want 1e-5 (self's own max, parent==self)", got)
	}
}

// S6: a two-iteration loop bracketed by Begin/End, where the tracked
// address's relative error changes between iteration 1 and 2, must
// produce a divergence report with IterMin == IterMax == 2 and the
// limit lifted to the observed delta.
func TestStageTableEmitsDivergenceOnSecondIteration(t *testing.T) {
	st := NewStageTable()

	st.Begin(0)
	st.RecordStore(0x2000, 1.0/3.0, 1e-30)
	if reps := st.End(0); len(reps) != 0 {
		t.Fatalf("first iteration End produced %d reports, want 0 (nothing to compare against)", len(reps))
	}

	st.Begin(0)
	st.RecordStore(0x2000, 1.0/3.0+1.0/(1<<40), 1e-12)
	reps := st.End(0)
	if len(reps) != 1 {
		t.Fatalf("second iteration End produced %d reports, want 1", len(reps))
	}
	rep := reps[0]
	if rep.Addr != 0x2000 {
		t.Errorf("Addr = %x, want 0x2000", rep.Addr)
	}
	if rep.IterMin != 2 || rep.IterMax != 2 {
		t.Errorf("IterMin/IterMax = %d/%d, want 2/2", rep.IterMin, rep.IterMax)
	}
	wantLimit := 1e-12 - 1e-30
	if diff := rep.Limit - wantLimit; diff > 1e-20 || diff < -1e-20 {
		t.Errorf("Limit = %v, want ~%v", rep.Limit, wantLimit)
	}
}

func TestStageTableClearDiscardsLimits(t *testing.T) {
	st := NewStageTable()
	st.Begin(1)
	st.RecordStore(0x10, 1.0, 1e-9)
	st.End(1)
	st.Clear(1)

	// A different relative error than the first iteration: without Clear
	// this would diverge from the old baseline and produce a report.
	st.Begin(1)
	st.RecordStore(0x10, 1.0, 1e-6)
	if reps := st.End(1); len(reps) != 0 {
		t.Errorf("End after Clear produced %d reports, want 0 (no prior iteration to diverge from)", len(reps))
	}
}

// S4: an origin whose inflation crosses the threshold on most executions
// and rarely on near-zero operands should persist as a detected PSO once
// EndRun closes the cycle, and IsPSO should then gate the substitution.
func TestPSODetectorPromotesCandidateAfterRun(t *testing.T) {
	d := NewPSODetector()
	d.BeginRun()

	for i := 0; i < 8; i++ {
		d.BeginInstance()
		// Large inflation, operands far from zero: genuine precision loss,
		// not overflow noise.
		d.Analyze(0x500, 1e-12, 1.0, 2.0, 2.0)
	}
	for i := 0; i < 2; i++ {
		d.BeginInstance()
		d.Analyze(0x500, 1e-12, 1e-13, 2.0, 2.0)
	}
	d.EndRun()

	if !d.IsPSO(0x500) {
		t.Errorf("IsPSO(0x500) = false after a run with 80%% error rate, want true")
	}
	if !d.IsFinished() {
		t.Errorf("IsFinished() = false after EndRun, want true")
	}
}

// A candidate whose "errors" are mostly near-zero overflow noise rather
// than genuine precision loss must be purged as a false positive.
func TestPSODetectorPurgesOverflowFalsePositive(t *testing.T) {
	d := NewPSODetector()
	d.BeginRun()

	for i := 0; i < 10; i++ {
		d.BeginInstance()
		// Both operand and shadow are effectively zero: overflow artifact,
		// not a precision-specific operation.
		d.Analyze(0x600, 1e-12, 1.0, 1e-20, 1e-30)
	}
	d.EndRun()

	if d.IsPSO(0x600) {
		t.Errorf("IsPSO(0x600) = true, want false (should be purged as an overflow false positive)")
	}
}

// The per-instance latch means only the first Analyze call within a
// BeginInstance/next-BeginInstance window counts toward totalCnt.
func TestPSODetectorLatchesPerInstance(t *testing.T) {
	d := NewPSODetector()
	d.BeginRun()
	d.BeginInstance()
	d.Analyze(0x700, 1e-12, 1.0, 2.0, 2.0)
	d.Analyze(0x700, 1e-12, 1.0, 2.0, 2.0)
	d.EndRun()

	// Only the first of the two Analyze calls counts, so totalCnt is 1;
	// a single latched instance (errCnt == totalCnt == 1) still clears
	// the 70% candidate threshold and promotes.
	if e, ok := d.errorMap[0x700]; !ok || e.TotalCnt != 1 {
		t.Errorf("TotalCnt for 0x700 is not 1 (present=%t); the second Analyze in one instance must be latched out", ok)
	}
	if !d.IsPSO(0x700) {
		t.Errorf("IsPSO(0x700) = false, want true (latched single instance still clears 70%%)")
	}
}

func TestBranchDivergenceNotifiesOncePerOrigin(t *testing.T) {
	bd := NewBranchDivergence()
	if !bd.Notify(0x800) {
		t.Errorf("first Notify(0x800) = false, want true")
	}
	if bd.Notify(0x800) {
		t.Errorf("second Notify(0x800) = true, want false (already notified)")
	}
	if !bd.Notify(0x900) {
		t.Errorf("Notify(0x900) = false, want true (distinct origin)")
	}
}
