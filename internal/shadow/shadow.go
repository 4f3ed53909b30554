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

// Package shadow owns all high-precision shadow state: the carriers
// (temps, registers, memory) a shadow value (SV) can live at, and the
// lifetime/activeness rules tying each carrier to the guest state it
// shadows.
package shadow

import (
	"math"
	"math/big"
)

// Fixed carrier table sizes. The guest's real limits are a property of
// the host DBI framework (out of scope); these bound the process-wide
// tables this engine owns.
const (
	MaxTemps     = 4096
	MaxRegisters = 2048
)

// OrgType classifies the guest's own IEEE result captured at SV creation.
type OrgType int

const (
	Invalid OrgType = iota
	Float32
	Float64
)

// Org holds the guest's IEEE-754 result at the precision the producing
// op classified as, for later comparison and drift recovery.
type Org struct {
	Type OrgType
	Fl   float32
	Db   float64
}

// Equal reports whether two captured originals carry the same guest bits.
func (o Org) Equal(other Org) bool {
	if o.Type != other.Type {
		return false
	}
	switch o.Type {
	case Float32:
		return math.Float32bits(o.Fl) == math.Float32bits(other.Fl)
	case Float64:
		return math.Float64bits(o.Db) == math.Float64bits(other.Db)
	default:
		return true
	}
}

// SV is the central shadow-value entity (spec data model §3).
type SV struct {
	Active       bool
	Version      uint64 // temps only: present iff Version == Store.block
	Value        *big.Float
	MidValue     *big.Float
	OriValue     *big.Float
	OpCount      int
	Origin       uint64
	Canceled     int
	CancelOrigin uint64
	OrgType      OrgType
	Org          Org
}

// Copy performs a deep copy of sv's numeric and metadata fields into dst,
// but never touches dst.Active or dst.Version — those are owned by the
// carrier the SV lives at, not by the value being copied into it.
func Copy(dst, src *SV) {
	dst.Value.Copy(src.Value)
	dst.MidValue.Copy(src.MidValue)
	dst.OriValue.Copy(src.OriValue)
	dst.OpCount = src.OpCount
	dst.Origin = src.Origin
	dst.Canceled = src.Canceled
	dst.CancelOrigin = src.CancelOrigin
	dst.OrgType = src.OrgType
	dst.Org = src.Org
}

type regKey struct {
	thread uint64
	offset int
}

// Store is the process-wide carrier table: temps (per-block versioned),
// registers (per guest thread), and memory (process-wide, never freed).
type Store struct {
	temps [MaxTemps]SV
	regs  map[regKey]*SV
	mem   map[uint64]*SV
	block uint64

	mallocs uint64
	frees   uint64
}

// New creates an empty store at block counter 0.
func New() *Store {
	return &Store{
		regs: make(map[regKey]*SV),
		mem:  make(map[uint64]*SV),
	}
}

// AdvanceBlock increments the process-wide block counter used as the
// version stamp for temp-keyed shadow values; it is called once at the
// head of every translated guest block (engine.Context.EnterBlock).
func (s *Store) AdvanceBlock() uint64 {
	s.block++
	return s.block
}

// CurrentBlock returns the block counter's current value.
func (s *Store) CurrentBlock() uint64 {
	return s.block
}

func (s *Store) allocate(sv *SV) {
	sv.Value = new(big.Float)
	sv.MidValue = new(big.Float)
	sv.OriValue = new(big.Float)
	s.mallocs++
}

// GetTemp returns the SV at temp i iff its version matches the current
// block (invariant 1): older entries are dead regardless of Active, and
// a temp never written by SetTemp is absent.
func (s *Store) GetTemp(i int) (*SV, bool) {
	sv := &s.temps[i]
	if sv.Value == nil || sv.Version != s.block {
		return nil, false
	}
	return sv, true
}

// SetTemp revives (or, on first use, allocates) the SV at temp i,
// stamping it to the current block.
func (s *Store) SetTemp(i int) *SV {
	sv := &s.temps[i]
	if sv.Value == nil {
		s.allocate(sv)
	}
	sv.Active = true
	sv.Version = s.block
	return sv
}

func (s *Store) newSV() *SV {
	sv := &SV{}
	s.allocate(sv)
	return sv
}

// GetReg returns the active SV for (thread, offset), if any.
func (s *Store) GetReg(thread uint64, offset int) (*SV, bool) {
	sv, ok := s.regs[regKey{thread, offset}]
	if !ok || !sv.Active {
		return nil, false
	}
	return sv, true
}

// SetReg revives or allocates the SV for (thread, offset) and marks it
// active.
func (s *Store) SetReg(thread uint64, offset int) *SV {
	key := regKey{thread, offset}
	sv, ok := s.regs[key]
	if !ok {
		sv = s.newSV()
		s.regs[key] = sv
	}
	sv.Active = true
	return sv
}

// DeactivateReg implements invariant 2 at a register carrier: any write
// that does not itself carry a tracked SV deactivates whatever was there.
func (s *Store) DeactivateReg(thread uint64, offset int) {
	if sv, ok := s.regs[regKey{thread, offset}]; ok {
		sv.Active = false
	}
}

// GetMem returns the active SV at addr, if any.
func (s *Store) GetMem(addr uint64) (*SV, bool) {
	sv, ok := s.mem[addr]
	if !ok || !sv.Active {
		return nil, false
	}
	return sv, true
}

// SetMem lazily allocates (on first tracked write) or revives the SV at
// addr and marks it active. Memory SVs are never freed once allocated.
func (s *Store) SetMem(addr uint64) *SV {
	sv, ok := s.mem[addr]
	if !ok {
		sv = s.newSV()
		s.mem[addr] = sv
	}
	sv.Active = true
	return sv
}

// DeactivateMem implements invariant 2 at a memory carrier.
func (s *Store) DeactivateMem(addr uint64) {
	if sv, ok := s.mem[addr]; ok {
		sv.Active = false
	}
}

// PeekMem returns the SV at addr regardless of Active, for callers that
// need to inspect a deactivated entry without reviving it.
func (s *Store) PeekMem(addr uint64) (*SV, bool) {
	sv, ok := s.mem[addr]
	return sv, ok
}

// Reset deactivates every temp, register, and memory SV (the RESET
// client request); underlying storage is retained and may be revived by
// later tracked writes. The block counter is not rewound; it is advanced
// by one, past every temp's last-written version, so no temp reads as
// present again until a tracked write re-stamps it (invariant 1) —
// rewinding the counter to 0 would make a stale temp whose Version
// happens to already be 0 look present again.
func (s *Store) Reset() {
	s.block++
	for i := range s.temps {
		s.temps[i].Active = false
	}
	for _, sv := range s.regs {
		if sv.Active {
			sv.Active = false
			s.frees++
		}
	}
	for _, sv := range s.mem {
		if sv.Active {
			sv.Active = false
			s.frees++
		}
	}
}

// ActiveCount returns the number of carriers currently holding an
// observable SV (present temps plus active registers and memory).
func (s *Store) ActiveCount() int {
	n := 0
	for i := range s.temps {
		if s.temps[i].Version == s.block && s.temps[i].Active {
			n++
		}
	}
	for _, sv := range s.regs {
		if sv.Active {
			n++
		}
	}
	for _, sv := range s.mem {
		if sv.Active {
			n++
		}
	}
	return n
}

// Mallocs and Frees expose the resource-discipline counters: at clean
// termination Mallocs()-Frees() must equal ActiveCount().
func (s *Store) Mallocs() uint64 { return s.mallocs }
func (s *Store) Frees() uint64   { return s.frees }
