/*
 * shadowfp - State-transfer handlers
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

// Package transfer is the state-transfer handler set (C3): the callbacks
// the block instrumenter wires in place of the guest's own Get/Put,
// GetI/PutI, Load/Store, and Mux operations, so that shadow identity
// moves between carriers exactly where the guest's own data moves.
package transfer

import (
	"math"
	"math/big"

	"github.com/rcornwell/shadowfp/internal/diag"
	"github.com/rcornwell/shadowfp/internal/shadow"
)

// Handlers bundles the carrier store with the stage-divergence tracker
// Store must feed when a bracket is open.
type Handlers struct {
	Carriers *shadow.Store
	Stages   *diag.StageTable
}

// New creates a Handlers bound to store and stages.
func New(store *shadow.Store, stages *diag.StageTable) *Handlers {
	return &Handlers{Carriers: store, Stages: stages}
}

func bitsToFloat(bits uint64, isDouble bool) *big.Float {
	if isDouble {
		return new(big.Float).SetFloat64(math.Float64frombits(bits))
	}
	return new(big.Float).SetFloat64(float64(math.Float32frombits(uint32(bits))))
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

// Load reads the shadow at a tracked memory address, if any; the block
// instrumenter skips emitting this call entirely for loads from a
// compile-time constant address (§4.4), since those never carry shadow
// identity worth propagating.
func (h *Handlers) Load(addr uint64) (*shadow.SV, bool) {
	return h.Carriers.GetMem(addr)
}

// Store writes src's shadow (nil meaning "untracked") to addr,
// deactivating any previously tracked value there when src is nil
// (invariant 2), and folds the stored value into every open stage
// bracket.
func (h *Handlers) Store(addr uint64, src *shadow.SV, guestBits uint64, isDouble bool) {
	if src == nil {
		h.Carriers.DeactivateMem(addr)
		return
	}
	dst := h.Carriers.SetMem(addr)
	shadow.Copy(dst, src)

	if h.Stages != nil && h.Stages.AnyActive() {
		guestVal := bitsToFloat(guestBits, isDouble)
		value, _ := dst.Value.Float64()
		relErr := relativeError(dst.Value, guestVal)
		h.Stages.RecordStore(addr, value, relErr)
	}
}

// Get reads the shadow at a guest register, if any.
func (h *Handlers) Get(thread uint64, offset int) (*shadow.SV, bool) {
	return h.Carriers.GetReg(thread, offset)
}

// Put writes src's shadow to a guest register. A Put to the guest's
// instruction-pointer register is never routed here at all — the block
// instrumenter filters it out before emission (§4.4) — so this handler
// need not special-case it.
func (h *Handlers) Put(thread uint64, offset int, src *shadow.SV) {
	if src == nil {
		h.Carriers.DeactivateReg(thread, offset)
		return
	}
	dst := h.Carriers.SetReg(thread, offset)
	shadow.Copy(dst, src)
}

// resolveIndex implements the circular register-file index arithmetic
// GetI/PutI use (e.g. x87's rotating stack): (ix+bias) mod nElems,
// normalized into [0, nElems).
func resolveIndex(ix, bias, nElems int) int {
	if nElems <= 0 {
		return 0
	}
	i := (ix + bias) % nElems
	if i < 0 {
		i += nElems
	}
	return i
}

// GetI reads the shadow at the circularly-indexed register described by
// base, ix, bias, and nElems.
func (h *Handlers) GetI(thread uint64, base, ix, bias, nElems int) (*shadow.SV, bool) {
	offset := base + resolveIndex(ix, bias, nElems)
	return h.Carriers.GetReg(thread, offset)
}

// PutI writes the shadow at the circularly-indexed register described by
// base, ix, bias, and nElems.
func (h *Handlers) PutI(thread uint64, base, ix, bias, nElems int, src *shadow.SV) {
	offset := base + resolveIndex(ix, bias, nElems)
	h.Put(thread, offset, src)
}

// Mux selects one of two shadow arms by cond, mirroring the guest's own
// conditional-move semantics: the shadow that travels is whichever arm
// the guest itself selected, never a blend of both.
func Mux(cond bool, a, b *shadow.SV) *shadow.SV {
	if cond {
		return a
	}
	return b
}
