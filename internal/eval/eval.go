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

// Package eval is the operation evaluator (C2): for every intercepted FP
// op it reads operand shadows, computes the three parallel channels
// (high-precision shadow, guest-precision middle, simulated original),
// updates cancellation/origin metadata, and feeds the diagnostic
// accumulators.
package eval

import (
	"log/slog"
	"math"
	"math/big"

	"github.com/rcornwell/shadowfp/internal/diag"
	"github.com/rcornwell/shadowfp/internal/ir"
	"github.com/rcornwell/shadowfp/internal/precision"
	"github.com/rcornwell/shadowfp/internal/shadow"
)

// Options are the evaluator's precision/feature toggles, owned by
// internal/config and threaded through at construction.
type Options struct {
	Precision   uint
	SimOriginal bool
	MeanError   bool
	DetectPSO   bool
	TrackInt    bool
}

// EffectivePrecision is the high-precision channel's working precision:
// P, except in simulate-original mode where it drops to the guest's own
// nominal precision (invariant 6).
func (o Options) EffectivePrecision(isDouble bool) uint {
	if o.SimOriginal {
		return precision.RoundTo24Or53(isDouble)
	}
	return o.Precision
}

// Operand is one resolved operand: its guest IEEE bits (always known,
// since the callback reads the live guest carrier) and, if the carrier
// held a tracked shadow value, the SV itself.
type Operand struct {
	SV   *shadow.SV
	Bits uint64
}

// Evaluator is the process-wide C2 instance; it never owns shadow
// carriers itself (that's C1/shadow.Store) but reads and writes the SVs
// the caller hands it.
type Evaluator struct {
	Opts      Options
	Mean      *diag.MeanTable
	PSO       *diag.PSODetector
	BranchDiv *diag.BranchDivergence
	Log       *slog.Logger

	unsupported map[ir.Opcode]bool
}

// New creates an evaluator wired to the shared diagnostic tables.
func New(opts Options, mean *diag.MeanTable, pso *diag.PSODetector, bd *diag.BranchDivergence, log *slog.Logger) *Evaluator {
	return &Evaluator{
		Opts: opts, Mean: mean, PSO: pso, BranchDiv: bd, Log: log,
		unsupported: make(map[ir.Opcode]bool),
	}
}

// NoteUnsupported records op as encountered-but-unclassified and returns
// true only the first time op is recorded, so a caller that reports every
// occurrence (instrument.Emit's report hook) still warns once per opcode
// (§7: a single warning, not one per occurrence).
func (e *Evaluator) NoteUnsupported(op ir.Opcode) bool {
	if e.unsupported[op] {
		return false
	}
	e.unsupported[op] = true
	return true
}

// UnsupportedOps returns the set of opcodes recorded as unsupported so
// far (reported once at termination).
func (e *Evaluator) UnsupportedOps() map[ir.Opcode]bool {
	return e.unsupported
}

func bitsToFloat(bits uint64, isDouble bool) *big.Float {
	if isDouble {
		return new(big.Float).SetFloat64(math.Float64frombits(bits))
	}
	return new(big.Float).SetFloat64(float64(math.Float32frombits(uint32(bits))))
}

func orgBits(o shadow.Org) uint64 {
	if o.Type == shadow.Float64 {
		return math.Float64bits(o.Db)
	}
	return uint64(math.Float32bits(o.Fl))
}

// checkAndRecover is the drift-repair step: if the guest's current IEEE
// bits no longer match the Org captured when sv was produced, an
// untracked op must have mutated the carrier outside any instrumented
// operation. All three channels are reset to the guest's current value;
// this is never an error, only a logged notice.
func (e *Evaluator) checkAndRecover(sv *shadow.SV, bits uint64, isDouble bool) {
	if sv == nil {
		return
	}
	var cur shadow.Org
	if isDouble {
		cur = shadow.Org{Type: shadow.Float64, Db: math.Float64frombits(bits)}
	} else {
		cur = shadow.Org{Type: shadow.Float32, Fl: math.Float32frombits(uint32(bits))}
	}
	if sv.Org.Equal(cur) {
		return
	}
	v := bitsToFloat(bits, isDouble)
	nominal := precision.RoundTo24Or53(isDouble)
	sv.Value.SetPrec(e.Opts.EffectivePrecision(isDouble)).Set(v)
	sv.MidValue.SetPrec(nominal).Set(v)
	sv.OriValue.SetPrec(nominal).Set(v)
	sv.Org = cur
	if e.Log != nil {
		e.Log.Debug("shadow drift repaired", "value", v.Text('g', 17))
	}
}

// seeded is one operand's three channels plus the path metadata the
// producing SV (if any) carried.
type seeded struct {
	tmp, mid, ori *big.Float
	opCount       int
	canceled      int
	cancelOrigin  uint64
	origin        uint64
	hasOrigin     bool
}

func (e *Evaluator) seed(o Operand, isDouble bool) seeded {
	nominal := precision.RoundTo24Or53(isDouble)
	hp := e.Opts.EffectivePrecision(isDouble)
	if o.SV != nil {
		return seeded{
			tmp:          new(big.Float).SetPrec(hp).Set(o.SV.Value),
			mid:          new(big.Float).SetPrec(nominal).Set(o.SV.MidValue),
			ori:          new(big.Float).SetPrec(nominal).Set(o.SV.OriValue),
			opCount:      o.SV.OpCount,
			canceled:     o.SV.Canceled,
			cancelOrigin: o.SV.CancelOrigin,
			origin:       o.SV.Origin,
			hasOrigin:    true,
		}
	}
	v := bitsToFloat(o.Bits, isDouble)
	return seeded{
		tmp: new(big.Float).SetPrec(hp).Set(v),
		mid: new(big.Float).SetPrec(nominal).Set(v),
		ori: new(big.Float).SetPrec(nominal).Set(v),
	}
}

func isRegular(f *big.Float) bool {
	return !f.IsInf() && f.Sign() != 0
}

func relativeError(shadowVal, guestVal *big.Float) float64 {
	if guestVal.Sign() == 0 {
		if shadowVal.Sign() == 0 {
			return 0
		}
		return 1
	}
	diff := new(big.Float).SetPrec(shadowVal.Prec() + 32).Sub(shadowVal, guestVal)
	diff.Abs(diff)
	rel := new(big.Float).SetPrec(shadowVal.Prec() + 32).Quo(diff, new(big.Float).Abs(guestVal))
	f, _ := rel.Float64()
	return f
}

// exactBitsRemaining is the "exact bits remaining" heuristic (§4.2 step
// 6), used only to compute cancellation badness.
func exactBitsRemaining(argTmp, ieee *big.Float, nominalBits int) int {
	e1 := argTmp.MantExp(nil)
	e2 := ieee.MantExp(nil)
	if e1 != e2 {
		return 0
	}
	diff := new(big.Float).SetPrec(argTmp.Prec() + 32).Sub(argTmp, ieee)
	de := e1
	if diff.Sign() != 0 {
		de = diff.MantExp(nil)
	}
	d := e1 - de
	if d < 0 {
		d = -d
	}
	d -= 2
	if d < 0 {
		d = 0
	}
	if d > nominalBits {
		d = nominalBits
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func precisionOpFor(op ir.Opcode) precision.Op {
	switch op {
	case ir.OpAdd32, ir.OpAdd64, ir.OpAddRounded32, ir.OpAddRounded64:
		return precision.OpAdd
	case ir.OpSub32, ir.OpSub64, ir.OpSubRounded32, ir.OpSubRounded64:
		return precision.OpSub
	case ir.OpMul32, ir.OpMul64, ir.OpMulRounded32, ir.OpMulRounded64:
		return precision.OpMul
	case ir.OpDiv32, ir.OpDiv64, ir.OpDivRounded32, ir.OpDivRounded64:
		return precision.OpDiv
	case ir.OpMin32, ir.OpMin64:
		return precision.OpMin
	case ir.OpMax32, ir.OpMax64:
		return precision.OpMax
	case ir.OpSqrt32, ir.OpSqrt64:
		return precision.OpSqrt
	case ir.OpNeg32, ir.OpNeg64:
		return precision.OpNeg
	case ir.OpAbs32, ir.OpAbs64:
		return precision.OpAbs
	default:
		return precision.OpAdd
	}
}

func isAddSub(op ir.Opcode) bool {
	switch op {
	case ir.OpAdd32, ir.OpAdd64, ir.OpSub32, ir.OpSub64,
		ir.OpAddRounded32, ir.OpAddRounded64, ir.OpSubRounded32, ir.OpSubRounded64:
		return true
	default:
		return false
	}
}

// commit writes the computed channels and path/origin metadata into dst,
// applying the PSO value-substitution (step 8) and capturing Org from the
// guest's own result (step 9).
func (e *Evaluator) commit(dst *shadow.SV, origin uint64, isDouble bool, resTmp, resMid, resOri *big.Float,
	guestResultBits uint64, opCount, canceled int, cancelOrigin uint64,
) {
	isPSOSite := e.Opts.DetectPSO && e.PSO.IsPSO(origin)

	dst.MidValue.SetPrec(resMid.Prec()).Set(resMid)
	if isPSOSite {
		dst.Value.SetPrec(resMid.Prec()).Set(resMid)
	} else {
		dst.Value.SetPrec(resTmp.Prec()).Set(resTmp)
	}
	dst.OriValue.SetPrec(resOri.Prec()).Set(resOri)
	dst.OpCount = opCount + 1
	dst.Origin = origin
	dst.Canceled = canceled
	dst.CancelOrigin = cancelOrigin

	if isDouble {
		dst.OrgType = shadow.Float64
		dst.Org = shadow.Org{Type: shadow.Float64, Db: math.Float64frombits(guestResultBits)}
	} else {
		dst.OrgType = shadow.Float32
		dst.Org = shadow.Org{Type: shadow.Float32, Fl: math.Float32frombits(uint32(guestResultBits))}
	}
}

func (e *Evaluator) feedDiagnostics(origin uint64, dst *shadow.SV, inputRel float64, canceled int, badness float64, sa, sb seeded, haveB bool) {
	guestResult := bitsToFloat(orgBits(dst.Org), dst.OrgType == shadow.Float64)
	outputRel := relativeError(dst.Value, guestResult)

	if e.Opts.DetectPSO {
		shadowAbs, _ := new(big.Float).Abs(dst.Value).Float64()
		guestAbs, _ := new(big.Float).Abs(guestResult).Float64()
		e.PSO.Analyze(origin, inputRel, outputRel, guestAbs, shadowAbs)
	}
	if e.Opts.MeanError {
		var parents [2]uint64
		var hasParent [2]bool
		if sa.hasOrigin {
			parents[0], hasParent[0] = sa.origin, true
		}
		if haveB && sb.hasOrigin {
			parents[1], hasParent[1] = sb.origin, true
		}
		e.Mean.Record(origin, outputRel, uint64(canceled), badness, parents, hasParent)
	}
}

// EvalUnary evaluates square root, negate, or absolute value at origin,
// writing the three channels and metadata into dst.
func (e *Evaluator) EvalUnary(dst *shadow.SV, origin uint64, op ir.Opcode, a Operand, guestResultBits uint64) {
	isDouble := op.IsDouble()
	e.checkAndRecover(a.SV, a.Bits, isDouble)
	sa := e.seed(a, isDouble)

	highCh := precision.Channel{Prec: e.Opts.EffectivePrecision(isDouble)}
	midCh := precision.Channel{Prec: precision.RoundTo24Or53(isDouble)}
	oriCh := precision.Channel{Prec: precision.RoundTo24Or53(isDouble), Subnormal: true}

	pop := precisionOpFor(op)
	resTmp := precision.Eval(pop, highCh, sa.tmp)
	resMid := precision.Eval(pop, midCh, sa.mid)
	resOri := precision.Eval(pop, oriCh, sa.ori)

	e.commit(dst, origin, isDouble, resTmp, resMid, resOri, guestResultBits, sa.opCount, sa.canceled, sa.cancelOrigin)

	inputRel := relativeError(sa.tmp, bitsToFloat(a.Bits, isDouble))
	e.feedDiagnostics(origin, dst, inputRel, sa.canceled, 0, sa, seeded{}, false)
}

// EvalBinary evaluates add/sub/mul/div/min/max (and, via EvalTernary,
// their "rounded" variants with the rounding operand already stripped by
// the caller) at origin.
func (e *Evaluator) EvalBinary(dst *shadow.SV, origin uint64, op ir.Opcode, a, b Operand, guestResultBits uint64) {
	isDouble := op.IsDouble()
	e.checkAndRecover(a.SV, a.Bits, isDouble)
	e.checkAndRecover(b.SV, b.Bits, isDouble)
	sa := e.seed(a, isDouble)
	sb := e.seed(b, isDouble)

	nominal := precision.RoundTo24Or53(isDouble)
	highCh := precision.Channel{Prec: e.Opts.EffectivePrecision(isDouble)}
	midCh := precision.Channel{Prec: nominal}
	oriCh := precision.Channel{Prec: nominal, Subnormal: true}

	pop := precisionOpFor(op)
	resTmp := precision.Eval(pop, highCh, sa.tmp, sb.tmp)

	// Step 8: a persisted PSO site recomputes the middle channel from the
	// high-precision operands rather than their own (already-eroded)
	// middle channels, and that recomputed value becomes the shadow value.
	isPSOSite := e.Opts.DetectPSO && e.PSO.IsPSO(origin)
	midA, midB := sa.mid, sb.mid
	if isPSOSite {
		midA = new(big.Float).SetPrec(nominal).Set(sa.tmp)
		midB = new(big.Float).SetPrec(nominal).Set(sb.tmp)
	}
	resMid := precision.Eval(pop, midCh, midA, midB)
	resOri := precision.Eval(pop, oriCh, sa.ori, sb.ori)

	canceled, badness := 0, 0.0
	if isAddSub(op) {
		regular := isRegular(sa.tmp) && isRegular(sb.tmp) && isRegular(resTmp)
		if regular {
			e1, e2, r := sa.tmp.MantExp(nil), sb.tmp.MantExp(nil), resTmp.MantExp(nil)
			canceled = maxInt(0, maxInt(e1, e2)-r)
		}
		ieeeA := bitsToFloat(a.Bits, isDouble)
		ieeeB := bitsToFloat(b.Bits, isDouble)
		exactA := exactBitsRemaining(sa.tmp, ieeeA, int(nominal))
		exactB := exactBitsRemaining(sb.tmp, ieeeB, int(nominal))
		badness = float64(maxInt(0, canceled-minInt(exactA, exactB)))
	}

	maxCanceled := canceled
	cancelOrigin := origin
	if sa.canceled > maxCanceled {
		maxCanceled, cancelOrigin = sa.canceled, sa.cancelOrigin
	}
	if sb.canceled > maxCanceled {
		maxCanceled, cancelOrigin = sb.canceled, sb.cancelOrigin
	}

	e.commit(dst, origin, isDouble, resTmp, resMid, resOri, guestResultBits, maxInt(sa.opCount, sb.opCount), maxCanceled, cancelOrigin)

	relA := relativeError(sa.tmp, bitsToFloat(a.Bits, isDouble))
	relB := relativeError(sb.tmp, bitsToFloat(b.Bits, isDouble))
	e.feedDiagnostics(origin, dst, math.Max(relA, relB), maxCanceled, badness, sa, sb, true)
}

// EvalTernary evaluates the IR's rounded forms of add/sub/mul/div; the
// rounding-mode operand is resolved by the caller and ignored here.
func (e *Evaluator) EvalTernary(dst *shadow.SV, origin uint64, op ir.Opcode, a, b Operand, guestResultBits uint64) {
	e.EvalBinary(dst, origin, op, a, b, guestResultBits)
}

// CmpResult is the three-way comparison encoding CmpF64 always returns.
type CmpResult int

const (
	CmpLT CmpResult = iota
	CmpEQ
	CmpGT
)

// EvalCompare evaluates CmpF64. When the shadow's ordering disagrees
// with the guest's own comparison and gotoShadowBranch is set, it
// returns the shadow's encoding so the guest's subsequent conditional
// branch follows the shadow instead of the native IEEE comparison; a
// single divergence notice is logged per origin regardless of mode.
func (e *Evaluator) EvalCompare(origin uint64, a, b Operand, guestResult CmpResult, gotoShadowBranch bool) CmpResult {
	e.checkAndRecover(a.SV, a.Bits, true)
	e.checkAndRecover(b.SV, b.Bits, true)
	sa := e.seed(a, true)
	sb := e.seed(b, true)

	var shadowResult CmpResult
	switch c := sa.tmp.Cmp(sb.tmp); {
	case c < 0:
		shadowResult = CmpLT
	case c == 0:
		shadowResult = CmpEQ
	default:
		shadowResult = CmpGT
	}

	if shadowResult != guestResult {
		if e.BranchDiv.Notify(origin) && e.Log != nil {
			e.Log.Warn("branch divergence", "origin", origin)
		}
		if gotoShadowBranch {
			return shadowResult
		}
	}
	return guestResult
}

// saturate clamps v into the representable range of an integer of the
// given bit width and signedness: the resolution this implementation
// adopts for the spec's open question on --track-int rounding is nearest
// even (EvalConvert rounds before calling this) with saturation on
// overflow, rather than guest-matching wraparound.
func saturate(v int64, width int, signed bool) int64 {
	if signed {
		max := int64(1)<<(width-1) - 1
		min := -(int64(1) << (width - 1))
		if v > max {
			return max
		}
		if v < min {
			return min
		}
		return v
	}
	if v < 0 {
		return 0
	}
	if width >= 64 {
		return v
	}
	max := int64(1)<<width - 1
	if v > max {
		return max
	}
	return v
}

// EvalConvert evaluates a float64-to-integer conversion in --track-int
// mode: the destination temp still gets an SV (its Value holds the
// shadow-rounded integer, as a big.Float) so a later reinterpretation of
// that temp back to floating point keeps carrying precision information.
func (e *Evaluator) EvalConvert(dst *shadow.SV, origin uint64, a Operand, width int, signed bool) {
	e.checkAndRecover(a.SV, a.Bits, true)
	sa := e.seed(a, true)

	// Int64 truncates toward zero; step to the nearest integer, ties to
	// even. Out-of-range values already come back as MinInt64/MaxInt64.
	iv, acc := sa.tmp.Int64()
	if acc != big.Exact && iv != math.MinInt64 && iv != math.MaxInt64 {
		frac := new(big.Float).SetPrec(sa.tmp.Prec()+64).Sub(sa.tmp, new(big.Float).SetInt64(iv))
		frac.Abs(frac)
		if c := frac.Cmp(big.NewFloat(0.5)); c > 0 || (c == 0 && iv%2 != 0) {
			if sa.tmp.Sign() > 0 {
				iv++
			} else {
				iv--
			}
		}
	}
	clamped := saturate(iv, width, signed)

	dst.Value.SetPrec(e.Opts.Precision).SetInt64(clamped)
	dst.MidValue.SetPrec(precision.Double).SetInt64(clamped)
	dst.OriValue.SetPrec(precision.Double).SetInt64(clamped)
	dst.OpCount = sa.opCount + 1
	dst.Origin = origin
	dst.Canceled = sa.canceled
	dst.CancelOrigin = sa.cancelOrigin
	dst.OrgType = shadow.Invalid
}
