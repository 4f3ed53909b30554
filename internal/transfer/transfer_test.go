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

package transfer

import (
	"math"
	"testing"

	"github.com/rcornwell/shadowfp/internal/diag"
	"github.com/rcornwell/shadowfp/internal/shadow"
)

func TestStoreThenLoadRoundTrips(t *testing.T) {
	st := shadow.New()
	h := New(st, diag.NewStageTable())

	src := st.SetTemp(0)
	src.Value.SetFloat64(1.25)

	h.Store(0x4000, src, math.Float64bits(1.25), true)

	got, ok := h.Load(0x4000)
	if !ok {
		t.Fatalf("Load after Store reports absent")
	}
	f, _ := got.Value.Float64()
	if f != 1.25 {
		t.Errorf("Load returned %v, want 1.25", f)
	}
}

func TestStoreNilDeactivates(t *testing.T) {
	st := shadow.New()
	h := New(st, diag.NewStageTable())

	src := st.SetTemp(0)
	src.Value.SetFloat64(2.0)
	h.Store(0x5000, src, math.Float64bits(2.0), true)

	h.Store(0x5000, nil, math.Float64bits(2.0), true)

	if _, ok := h.Load(0x5000); ok {
		t.Errorf("Load after nil Store reports present, want absent")
	}
}

func TestPutDeactivatesOnUntrackedWrite(t *testing.T) {
	st := shadow.New()
	h := New(st, diag.NewStageTable())

	src := st.SetTemp(0)
	src.Value.SetFloat64(5.0)
	h.Put(1, 80, src)

	if _, ok := h.Get(1, 80); !ok {
		t.Fatalf("register not active after Put")
	}

	h.Put(1, 80, nil)
	if _, ok := h.Get(1, 80); ok {
		t.Errorf("register still active after untracked Put, want deactivated")
	}
}

func TestGetIPutIWrapCircularIndex(t *testing.T) {
	st := shadow.New()
	h := New(st, diag.NewStageTable())

	// Eight-element circular file, base offset 0; index -1 with no bias
	// must wrap to slot 7.
	src := st.SetTemp(0)
	src.Value.SetFloat64(9.0)
	h.PutI(0, 0, -1, 0, 8, src)

	got, ok := h.GetI(0, 0, 7, 0, 8)
	if !ok {
		t.Fatalf("GetI did not find value written via wrapped index")
	}
	f, _ := got.Value.Float64()
	if f != 9.0 {
		t.Errorf("GetI returned %v, want 9.0", f)
	}
}

func TestMuxSelectsArm(t *testing.T) {
	st := shadow.New()
	a := st.SetTemp(0)
	a.Value.SetFloat64(1)
	b := st.SetTemp(1)
	b.Value.SetFloat64(2)

	if got := Mux(true, a, b); got != a {
		t.Errorf("Mux(true, a, b) did not select a")
	}
	if got := Mux(false, a, b); got != b {
		t.Errorf("Mux(false, a, b) did not select b")
	}
}

func TestStoreFeedsActiveStage(t *testing.T) {
	st := shadow.New()
	stages := diag.NewStageTable()
	h := New(st, stages)

	stages.Begin(0)
	src := st.SetTemp(0)
	src.Value.SetFloat64(1.0)
	h.Store(0x6000, src, math.Float64bits(1.0), true)
	stages.End(0)

	stages.Begin(0)
	src2 := st.SetTemp(1)
	src2.Value.SetFloat64(1.0 + 1e-3)
	h.Store(0x6000, src2, math.Float64bits(1.0), true)
	reports := stages.End(0)

	if len(reports) == 0 {
		t.Errorf("expected a stage divergence report after relative-error jump, got none")
	}
}
