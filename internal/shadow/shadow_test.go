/*
 * shadowfp - Shadow-value store
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

package shadow

import "testing"

// Present iff version == current block (invariant 1).
func TestTempPresenceTracksBlock(t *testing.T) {
	s := New()

	if _, ok := s.GetTemp(3); ok {
		t.Errorf("fresh temp 3 reported present")
	}

	sv := s.SetTemp(3)
	sv.Value.SetFloat64(1.5)

	if got, ok := s.GetTemp(3); !ok || got != sv {
		t.Errorf("temp 3 not present immediately after SetTemp")
	}

	s.AdvanceBlock()

	if _, ok := s.GetTemp(3); ok {
		t.Errorf("temp 3 still present after block advanced, want absent")
	}

	s.SetTemp(3)
	if _, ok := s.GetTemp(3); !ok {
		t.Errorf("temp 3 not present after re-set in new block")
	}
}

// An untracked write deactivates whatever was previously at the carrier.
func TestDeactivateClearsCarrier(t *testing.T) {
	s := New()

	s.SetReg(1, 168)
	if _, ok := s.GetReg(1, 168); !ok {
		t.Fatalf("register not active right after SetReg")
	}

	s.DeactivateReg(1, 168)
	if _, ok := s.GetReg(1, 168); ok {
		t.Errorf("register still reports active after DeactivateReg")
	}

	s.SetMem(0x1000)
	s.DeactivateMem(0x1000)
	if _, ok := s.GetMem(0x1000); ok {
		t.Errorf("memory still reports active after DeactivateMem")
	}
	// Memory SVs are retained, not freed, across deactivation.
	if _, ok := s.PeekMem(0x1000); !ok {
		t.Errorf("memory SV discarded on deactivate, want retained inactive")
	}
}

// Idempotence: repeated RESET yields identical observable state.
func TestResetIdempotent(t *testing.T) {
	s := New()
	s.SetTemp(0)
	s.SetReg(0, 0)
	s.SetMem(0x2000)

	s.Reset()
	first := s.ActiveCount()
	s.Reset()
	second := s.ActiveCount()

	if first != 0 || second != 0 {
		t.Errorf("ActiveCount after Reset = %d, %d; want 0, 0", first, second)
	}
}

func TestCopyPreservesActiveAndVersion(t *testing.T) {
	s := New()
	dst := s.SetTemp(0)
	dst.Active = true
	dst.Version = 42

	src := s.newSV()
	src.Value.SetFloat64(3.25)
	src.OpCount = 7
	src.Origin = 0xdead

	Copy(dst, src)

	if dst.Version != 42 {
		t.Errorf("Copy changed Version to %d, want unchanged 42", dst.Version)
	}
	if !dst.Active {
		t.Errorf("Copy cleared Active, want unchanged true")
	}
	if dst.OpCount != 7 || dst.Origin != 0xdead {
		t.Errorf("Copy did not transfer metadata: opCount=%d origin=%x", dst.OpCount, dst.Origin)
	}
	f, _ := dst.Value.Float64()
	if f != 3.25 {
		t.Errorf("Copy did not transfer Value: got %v want 3.25", f)
	}
}

func TestResourceInvariantAfterReset(t *testing.T) {
	s := New()
	s.SetReg(0, 0)
	s.SetMem(0x10)
	s.SetMem(0x20)

	s.Reset()

	if got := s.Mallocs() - s.Frees(); got != uint64(s.ActiveCount()) {
		t.Errorf("mallocs-frees = %d, want ActiveCount() = %d", got, s.ActiveCount())
	}
}
