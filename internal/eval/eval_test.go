/*
 * shadowfp - Operation evaluator
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

package eval

import (
	"math"
	"testing"

	"github.com/rcornwell/shadowfp/internal/diag"
	"github.com/rcornwell/shadowfp/internal/ir"
	"github.com/rcornwell/shadowfp/internal/shadow"
)

func newEvaluator() (*Evaluator, *shadow.Store) {
	opts := Options{Precision: 120, MeanError: true, DetectPSO: true}
	e := New(opts, diag.NewMeanTable(), diag.NewPSODetector(), diag.NewBranchDivergence(), nil)
	return e, shadow.New()
}

func f64bits(f float64) uint64 { return math.Float64bits(f) }

func TestEvalBinaryAddUntrackedOperands(t *testing.T) {
	e, st := newEvaluator()
	dst := st.SetTemp(0)

	a := Operand{Bits: f64bits(1.0)}
	b := Operand{Bits: f64bits(2.0)}
	guest := f64bits(3.0)

	e.EvalBinary(dst, 0x1000, ir.OpAdd64, a, b, guest)

	got, _ := dst.Value.Float64()
	if got != 3.0 {
		t.Errorf("shadow add = %v, want 3.0", got)
	}
	if dst.OrgType != shadow.Float64 {
		t.Errorf("OrgType = %v, want Float64", dst.OrgType)
	}
	if dst.Origin != 0x1000 {
		t.Errorf("Origin = %x, want 0x1000", dst.Origin)
	}
}

// A canceling subtraction (nearly equal magnitudes) should report
// cancellation bits roughly matching the exponent lost.
func TestEvalBinarySubCancellation(t *testing.T) {
	e, st := newEvaluator()
	dst := st.SetTemp(0)

	x, y := 1.0000001, 1.0
	a := Operand{Bits: f64bits(x)}
	b := Operand{Bits: f64bits(y)}
	guest := f64bits(x - y)

	e.EvalBinary(dst, 0x2000, ir.OpSub64, a, b, guest)

	if dst.Canceled <= 0 {
		t.Errorf("Canceled = %d, want > 0 for a near-cancelling subtraction", dst.Canceled)
	}
}

func TestEvalUnarySqrt(t *testing.T) {
	e, st := newEvaluator()
	dst := st.SetTemp(0)

	a := Operand{Bits: f64bits(4.0)}
	guest := f64bits(2.0)

	e.EvalUnary(dst, 0x3000, ir.OpSqrt64, a, guest)

	got, _ := dst.Value.Float64()
	if got != 2.0 {
		t.Errorf("shadow sqrt = %v, want 2.0", got)
	}
}

// Feeding a tracked operand whose carrier's guest bits no longer match
// its captured Org must reset all three channels rather than propagate
// stale shadow state (the drift-repair path).
func TestCheckAndRecoverOnDrift(t *testing.T) {
	e, st := newEvaluator()
	sv := st.SetTemp(1)
	sv.Value.SetFloat64(999)
	sv.MidValue.SetFloat64(999)
	sv.OriValue.SetFloat64(999)
	sv.Org = shadow.Org{Type: shadow.Float64, Db: 999}

	e.checkAndRecover(sv, f64bits(5.0), true)

	got, _ := sv.Value.Float64()
	if got != 5.0 {
		t.Errorf("Value after drift repair = %v, want 5.0 (guest's current bits)", got)
	}
}

func TestEvalCompareGotoShadowBranch(t *testing.T) {
	e, _ := newEvaluator()

	a := Operand{Bits: f64bits(1.0)}
	b := Operand{Bits: f64bits(2.0)}

	// Guest claims a > b (wrong); shadow correctly finds a < b. With
	// gotoShadowBranch set, the evaluator must hand back the shadow's
	// verdict so the guest's branch follows it.
	got := e.EvalCompare(0x4000, a, b, CmpGT, true)
	if got != CmpLT {
		t.Errorf("EvalCompare with gotoShadowBranch = %v, want CmpLT", got)
	}

	got2 := e.EvalCompare(0x4000, a, b, CmpGT, false)
	if got2 != CmpGT {
		t.Errorf("EvalCompare without gotoShadowBranch = %v, want guest's own CmpGT", got2)
	}
}

func TestNoteUnsupportedOnlyOnce(t *testing.T) {
	e, _ := newEvaluator()
	if !e.NoteUnsupported(ir.OpUnsupported) {
		t.Errorf("first NoteUnsupported = false, want true")
	}
	if e.NoteUnsupported(ir.OpUnsupported) {
		t.Errorf("second NoteUnsupported = true, want false (already recorded)")
	}
}
