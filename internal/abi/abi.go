/*
 * shadowfp - Callback scratch-buffer ABI
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

// Package abi defines the fixed-layout scratch-buffer records the
// instrumented guest IR populates immediately before invoking one of
// the runtime callbacks (§5 "Callback ABI" design note): the host's own
// instrumented code writes the concrete runtime bits by field into one
// of these structs, then calls the matching engine.Context method. This
// package never constructs these buffers itself — the host DBI
// framework does, which is why this repo defines them as a narrow,
// explicit ABI rather than inferring shapes from opaque blobs.
package abi

// UnOpArgs carries the one operand a unary-shape callback (sqrt/neg/abs)
// or a float-to-integer conversion callback needs at invocation time.
type UnOpArgs struct {
	Bits uint64
}

// BinOpArgs carries both operands a binary-shape callback (add/sub/mul/
// div/min/max/compare) needs.
type BinOpArgs struct {
	ABits, BBits uint64
}

// TriOpArgs carries both value operands a ternary-shape callback (the
// IR's rounded add/sub/mul/div) needs; the rounding-mode operand is
// deliberately absent here since the evaluator ignores it (§4.2).
type TriOpArgs struct {
	ABits, BBits uint64
}

// LoadArgs carries the concrete guest address a non-constant Load
// resolved to at runtime.
type LoadArgs struct {
	Addr uint64
}

// StoreArgs carries the concrete guest address and IEEE bits a Store
// wrote at runtime.
type StoreArgs struct {
	Addr uint64
	Bits uint64
}

// CircRegs carries the dynamic index a GetI/PutI's circular addressing
// resolves against; Base, Bias, and NElems are already static on the
// instrument.Callback that accompanies this buffer.
type CircRegs struct {
	Index int
}

// MuxArgs carries the guest's own selector outcome for a Mux: which arm
// it actually took.
type MuxArgs struct {
	Cond bool
}
