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
	"github.com/rcornwell/shadowfp/internal/abi"
	"github.com/rcornwell/shadowfp/internal/eval"
	"github.com/rcornwell/shadowfp/internal/instrument"
	"github.com/rcornwell/shadowfp/internal/ir"
	"github.com/rcornwell/shadowfp/internal/shadow"
	"github.com/rcornwell/shadowfp/internal/transfer"
)

// EnterBlock stamps the shadow store's block-version counter for a
// freshly translated guest superblock. instrument.Emit does not put this
// increment into a block's Plan; the host DBI framework calls it once at
// each block's head, before running any of that block's callbacks, so
// every temp-keyed SV written during the block carries the right version.
func (c *Context) EnterBlock() uint64 {
	return c.Store.AdvanceBlock()
}

// resolveOperand reads o's shadow (nil if o is a constant or an absent
// temp) and pairs it with the guest bits the host captured for it.
func (c *Context) resolveOperand(o ir.Operand, bits uint64) eval.Operand {
	if o.IsConst {
		return eval.Operand{Bits: bits}
	}
	sv, _ := c.Store.GetTemp(int(o.Temp))
	return eval.Operand{SV: sv, Bits: bits}
}

// RunUnary executes a unary-shape callback (sqrt/neg/abs): cb.Args[0]'s
// shadow, seeded from args.Bits if absent, feeds the evaluator; the
// result lands at cb.Dst.
func (c *Context) RunUnary(cb instrument.Callback, args abi.UnOpArgs, guestResultBits uint64) {
	a := c.resolveOperand(cb.Args[0], args.Bits)
	dst := c.Store.SetTemp(int(cb.Dst))
	c.Eval.EvalUnary(dst, cb.Origin, cb.Op, a, guestResultBits)
}

// RunBinary executes a binary-shape callback (add/sub/mul/div/min/max).
func (c *Context) RunBinary(cb instrument.Callback, args abi.BinOpArgs, guestResultBits uint64) {
	a := c.resolveOperand(cb.Args[0], args.ABits)
	b := c.resolveOperand(cb.Args[1], args.BBits)
	dst := c.Store.SetTemp(int(cb.Dst))
	c.Eval.EvalBinary(dst, cb.Origin, cb.Op, a, b, guestResultBits)
}

// RunTernary executes a ternary-shape callback (the IR's rounded add/
// sub/mul/div); the rounding-mode operand never reaches this far — the
// caller strips it before filling in args, per §4.2.
func (c *Context) RunTernary(cb instrument.Callback, args abi.TriOpArgs, guestResultBits uint64) {
	a := c.resolveOperand(cb.Args[0], args.ABits)
	b := c.resolveOperand(cb.Args[1], args.BBits)
	dst := c.Store.SetTemp(int(cb.Dst))
	c.Eval.EvalTernary(dst, cb.Origin, cb.Op, a, b, guestResultBits)
}

// RunCompare executes CmpF64, returning the encoding the guest's
// subsequent conditional branch should act on.
func (c *Context) RunCompare(cb instrument.Callback, args abi.BinOpArgs, guestResult eval.CmpResult) eval.CmpResult {
	a := c.resolveOperand(cb.Args[0], args.ABits)
	b := c.resolveOperand(cb.Args[1], args.BBits)
	return c.Eval.EvalCompare(cb.Origin, a, b, guestResult, c.Opts.GotoShadowBranch)
}

// widthSigned classifies a float-to-integer conversion opcode into the
// destination width and signedness EvalConvert needs.
func widthSigned(op ir.Opcode) (width int, signed bool) {
	switch op {
	case ir.OpF64toI16S:
		return 16, true
	case ir.OpF64toI16U:
		return 16, false
	case ir.OpF64toI32S:
		return 32, true
	case ir.OpF64toI32U:
		return 32, false
	case ir.OpF64toI64S:
		return 64, true
	case ir.OpF64toI64U:
		return 64, false
	default:
		return 64, true
	}
}

// RunConvert executes a float-to-integer conversion callback under
// --track-int; without it the destination temp is left untracked.
func (c *Context) RunConvert(cb instrument.Callback, args abi.UnOpArgs) {
	if !c.Opts.TrackInt {
		return
	}
	a := c.resolveOperand(cb.Args[0], args.Bits)
	dst := c.Store.SetTemp(int(cb.Dst))
	width, signed := widthSigned(cb.Op)
	c.Eval.EvalConvert(dst, cb.Origin, a, width, signed)
}

// RunLoad executes a Load callback: args.Addr is the concrete guest
// address the host's own address computation resolved to (the block
// instrumenter never emits this callback at all for a compile-time
// constant address, §4.4).
func (c *Context) RunLoad(cb instrument.Callback, args abi.LoadArgs) {
	sv, ok := c.Transfer.Load(args.Addr)
	if !ok {
		return
	}
	dst := c.Store.SetTemp(int(cb.Dst))
	shadow.Copy(dst, sv)
}

// RunStore executes a Store callback: cb.Src names the temp (or
// constant) the guest wrote; args carries the concrete address and
// guest IEEE bits written.
func (c *Context) RunStore(cb instrument.Callback, args abi.StoreArgs, isDouble bool) {
	var src *shadow.SV
	if !cb.Src.IsConst {
		src, _ = c.Store.GetTemp(int(cb.Src.Temp))
	}
	c.Transfer.Store(args.Addr, src, args.Bits, isDouble)
}

// RunGet executes a Get callback: cb.RegOffset names the guest register,
// thread the owning guest thread.
func (c *Context) RunGet(cb instrument.Callback, thread uint64) {
	sv, ok := c.Transfer.Get(thread, cb.RegOffset)
	if !ok {
		return
	}
	dst := c.Store.SetTemp(int(cb.Dst))
	shadow.Copy(dst, sv)
}

// RunPut executes a Put callback. The block instrumenter never emits
// this at all for the guest's instruction-pointer register (§4.4), so
// this handler need not special-case it.
func (c *Context) RunPut(cb instrument.Callback, thread uint64) {
	var src *shadow.SV
	if !cb.Src.IsConst {
		src, _ = c.Store.GetTemp(int(cb.Src.Temp))
	}
	c.Transfer.Put(thread, cb.RegOffset, src)
}

// RunGetI executes a GetI callback: cb.RegOffset is the circular file's
// base offset, cb.Bias/cb.NElems its static wraparound parameters, and
// args.Index the guest's current dynamic index (e.g. x87's top-of-stack
// pointer).
func (c *Context) RunGetI(cb instrument.Callback, thread uint64, args abi.CircRegs) {
	sv, ok := c.Transfer.GetI(thread, cb.RegOffset, args.Index, cb.Bias, cb.NElems)
	if !ok {
		return
	}
	dst := c.Store.SetTemp(int(cb.Dst))
	shadow.Copy(dst, sv)
}

// RunPutI executes a PutI callback, the GetI counterpart.
func (c *Context) RunPutI(cb instrument.Callback, thread uint64, args abi.CircRegs) {
	var src *shadow.SV
	if !cb.Src.IsConst {
		src, _ = c.Store.GetTemp(int(cb.Src.Temp))
	}
	c.Transfer.PutI(thread, cb.RegOffset, args.Index, cb.Bias, cb.NElems, src)
}

// RunMux executes a Mux callback: the shadow that travels to cb.Dst is
// whichever arm the guest's own condition actually selected, never a
// blend of both.
func (c *Context) RunMux(cb instrument.Callback, args abi.MuxArgs) {
	a, _ := c.Store.GetTemp(int(cb.Arms[0]))
	b, _ := c.Store.GetTemp(int(cb.Arms[1]))
	sv := transfer.Mux(args.Cond, a, b)
	if sv == nil {
		return
	}
	dst := c.Store.SetTemp(int(cb.Dst))
	shadow.Copy(dst, sv)
}
