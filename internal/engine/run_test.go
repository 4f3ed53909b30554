/*
 * shadowfp - Runtime callback dispatch
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

package engine

import (
	"math"
	"testing"

	"github.com/rcornwell/shadowfp/internal/abi"
	"github.com/rcornwell/shadowfp/internal/config"
	"github.com/rcornwell/shadowfp/internal/instrument"
	"github.com/rcornwell/shadowfp/internal/ir"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	opts := config.Default()
	opts.LogFile = ""
	opts.MeanError = true
	ctx, err := Init(opts, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return ctx
}

// S1: a = 1.0e8 + 1.0e-8 (single precision); b = a - 1.0e8. Driven through
// the two-pass block instrumenter exactly as the host would emit it: one
// WrTmp for the add, one for the subtract, both constant-seeded. The
// subtraction's SV should show heavy cancellation and a large relative
// error against the guest's own (inaccurate) float32 result.
func TestCatastrophicCancellationThroughPlan(t *testing.T) {
	ctx := newTestContext(t)
	ctx.EnterBlock()

	block := &ir.Block{Stmts: []ir.Stmt{
		{Kind: ir.StWrTmp, Dst: 0, Op: ir.OpAdd32, Origin: 0x1000,
			Args: []ir.Operand{{IsConst: true}, {IsConst: true}}},
		{Kind: ir.StWrTmp, Dst: 1, Op: ir.OpSub32, Origin: 0x1004,
			Args: []ir.Operand{{Temp: 0}, {IsConst: true}}},
		// A real translated block always writes its live-out FP result
		// somewhere; without this Put the backward importance pass would
		// see temp 1 as dead and Emit would elide its callback.
		{Kind: ir.StPut, Src: ir.Operand{Temp: 1}, RegOffset: 16},
	}}
	plan := instrument.Analyze(block)
	out := instrument.Emit(block, plan, nil)
	if len(out.Callbacks) != 3 {
		t.Fatalf("Emit produced %d callbacks, want 3", len(out.Callbacks))
	}

	a, b := float32(1.0e8), float32(1.0e-8)
	sum := a + b
	ctx.RunBinary(out.Callbacks[0], abi.BinOpArgs{
		ABits: uint64(math.Float32bits(a)), BBits: uint64(math.Float32bits(b)),
	}, uint64(math.Float32bits(sum)))

	diff := sum - a
	ctx.RunBinary(out.Callbacks[1], abi.BinOpArgs{
		ABits: uint64(math.Float32bits(sum)), BBits: uint64(math.Float32bits(a)),
	}, uint64(math.Float32bits(diff)))

	sv, ok := ctx.Store.GetTemp(1)
	if !ok {
		t.Fatalf("temp 1 has no SV after the subtraction callback")
	}
	if sv.Canceled < 20 {
		t.Errorf("Canceled = %d, want >= 20 for this near-total cancellation", sv.Canceled)
	}
	if entry, ok := ctx.Mean.Get(0x1004); !ok || entry.MaxCanceled < 20 {
		t.Errorf("mean table canceledMax at the subtraction's origin too low, want >= 20")
	}
}

// A block's temps must go stale the moment EnterBlock is called again,
// even though their storage is untouched (invariant 1).
func TestEnterBlockInvalidatesPriorTemps(t *testing.T) {
	ctx := newTestContext(t)
	ctx.EnterBlock()
	ctx.Store.SetTemp(7)

	if _, ok := ctx.Store.GetTemp(7); !ok {
		t.Fatalf("temp 7 not present in the block it was set in")
	}

	ctx.EnterBlock()
	if _, ok := ctx.Store.GetTemp(7); ok {
		t.Errorf("temp 7 still present after EnterBlock advanced to a new block")
	}
}

// Store/Load round-trip through the transfer handlers driven by Run*.
func TestStoreLoadRoundTripsShadow(t *testing.T) {
	ctx := newTestContext(t)
	ctx.EnterBlock()

	block := &ir.Block{Stmts: []ir.Stmt{
		{Kind: ir.StWrTmp, Dst: 0, Op: ir.OpSqrt64, Origin: 0x2000, Args: []ir.Operand{{IsConst: true}}},
		{Kind: ir.StStore, Src: ir.Operand{Temp: 0}, Addr: ir.Operand{Temp: 1}},
		{Kind: ir.StLoad, Dst: 2, Addr: ir.Operand{Temp: 1}},
	}}
	plan := instrument.Analyze(block)
	out := instrument.Emit(block, plan, nil)

	ctx.RunUnary(out.Callbacks[0], abi.UnOpArgs{Bits: math.Float64bits(4.0)}, math.Float64bits(2.0))
	ctx.RunStore(out.Callbacks[1], abi.StoreArgs{Addr: 0x9000, Bits: math.Float64bits(2.0)}, true)
	ctx.RunLoad(out.Callbacks[2], abi.LoadArgs{Addr: 0x9000})

	sv, ok := ctx.Store.GetTemp(2)
	if !ok {
		t.Fatalf("temp 2 has no SV after Load")
	}
	got, _ := sv.Value.Float64()
	if got != 2.0 {
		t.Errorf("reloaded shadow = %v, want 2.0", got)
	}
}
