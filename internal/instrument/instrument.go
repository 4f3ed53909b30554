/*
 * shadowfp - Block instrumenter
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

// Package instrument is the block instrumenter (C4): a two-pass
// dataflow optimization over one translated guest superblock, followed
// by an emission pass that turns the (optimized) statement list into the
// ordered callback plan the host DBI framework invokes around the
// guest's own native operations. Block translation and callback
// invocation themselves belong to the host framework and stay out of
// this repository; this package only decides what to instrument and how
// operands resolve once it does.
package instrument

import "github.com/rcornwell/shadowfp/internal/ir"

// BlockPlan is the result of the two dataflow passes over one block:
// which temps are worth tracking at all, and which temps forward their
// shadow identity from an earlier temp via a chain of pass-through ops.
type BlockPlan struct {
	Important map[ir.Temp]bool
	Instead   map[ir.Temp]ir.Temp
}

// Analyze runs the backward importance pass and the forward
// substitution-chain pass over b.
func Analyze(b *ir.Block) *BlockPlan {
	plan := &BlockPlan{
		Important: make(map[ir.Temp]bool),
		Instead:   make(map[ir.Temp]ir.Temp),
	}

	// Backward pass: a temp is important iff some later statement in the
	// block consumes it as a source operand. Statements are walked in
	// reverse so a single pass suffices.
	for i := len(b.Stmts) - 1; i >= 0; i-- {
		s := b.Stmts[i]
		markImportant := func(o ir.Operand) {
			if !o.IsConst {
				plan.Important[o.Temp] = true
			}
		}
		switch s.Kind {
		case ir.StWrTmp:
			for _, a := range s.Args {
				markImportant(a)
			}
		case ir.StPut, ir.StPutI, ir.StStore:
			markImportant(s.Src)
		case ir.StMux:
			plan.Important[s.Arms[0]] = true
			plan.Important[s.Arms[1]] = true
		}
	}

	// Forward pass: a pass-through op (bit reinterpret, lane pack/unpack)
	// never computes a new FP result, so its destination's shadow is
	// simply whatever its single source temp's shadow already was —
	// chained transitively through any prior pass-through producing that
	// source.
	for _, s := range b.Stmts {
		if s.Kind != ir.StWrTmp || !s.Op.IsPassThrough() {
			continue
		}
		if len(s.Args) != 1 || s.Args[0].IsConst {
			continue
		}
		plan.Instead[s.Dst] = plan.Resolve(s.Args[0].Temp)
	}

	return plan
}

// Resolve follows the substitution chain for t, returning the temp whose
// shadow a consumer should actually read.
func (p *BlockPlan) Resolve(t ir.Temp) ir.Temp {
	if head, ok := p.Instead[t]; ok {
		return head
	}
	return t
}

// Callback is one instrumentation point the emission pass produces, with
// every temp operand already substituted per the block's plan. The host
// DBI framework invokes it immediately after the corresponding native
// guest operation, supplying the concrete runtime carriers (registers,
// memory, guest IEEE result bits) this package's static analysis cannot
// know.
type Callback struct {
	Origin    uint64
	Kind      ir.StmtKind
	Op        ir.Opcode
	Dst       ir.Temp
	Args      []ir.Operand
	Src       ir.Operand
	Addr      ir.Operand
	RegOffset int
	Bias      int
	NElems    int
	Arms      [2]ir.Temp
}

// Plan is the ordered callback list for one block.
type Plan struct {
	Callbacks []Callback
}

// Emit runs the emission pass over b using plan's substitutions,
// skipping the guest's instruction-pointer Puts and constant-address
// Loads (§4.4), and passing every occurrence of an opcode the evaluator
// does not classify to report (deduplication into the process-wide
// unsupported-opcode set is the evaluator's NoteUnsupported, §7).
// Pass-through statements never need their own callback: their
// shadow identity already travels purely through plan.Instead. A WrTmp
// the backward pass never marked important — nothing downstream reads
// it as a register/memory write or as another FP op's operand — gets
// no callback either: there is no shadow consumer left to feed.
func Emit(b *ir.Block, plan *BlockPlan, report func(op ir.Opcode)) *Plan {
	out := &Plan{}
	for _, s := range b.Stmts {
		switch s.Kind {
		case ir.StPut:
			if s.RegOffset == ir.InstructionPointerOffset {
				continue
			}
			out.Callbacks = append(out.Callbacks, resolve(s, plan))

		case ir.StLoad:
			if s.Addr.IsConst {
				continue
			}
			out.Callbacks = append(out.Callbacks, resolve(s, plan))

		case ir.StWrTmp:
			if s.Op.IsPassThrough() {
				continue
			}
			if s.Op == ir.OpUnsupported || s.Op.Shape() == ir.ShapeOther {
				if report != nil {
					report(s.Op)
				}
				continue
			}
			if !plan.Important[s.Dst] {
				continue
			}
			out.Callbacks = append(out.Callbacks, resolve(s, plan))

		default:
			out.Callbacks = append(out.Callbacks, resolve(s, plan))
		}
	}
	return out
}

func resolve(s ir.Stmt, plan *BlockPlan) Callback {
	args := make([]ir.Operand, len(s.Args))
	for i, a := range s.Args {
		if !a.IsConst {
			a.Temp = plan.Resolve(a.Temp)
		}
		args[i] = a
	}
	src := s.Src
	if !src.IsConst {
		src.Temp = plan.Resolve(src.Temp)
	}
	addr := s.Addr
	if !addr.IsConst {
		addr.Temp = plan.Resolve(addr.Temp)
	}
	return Callback{
		Origin: s.Origin, Kind: s.Kind, Op: s.Op, Dst: plan.Resolve(s.Dst),
		Args: args, Src: src, Addr: addr, RegOffset: s.RegOffset,
		Bias: s.Bias, NElems: s.NElems,
		Arms: [2]ir.Temp{plan.Resolve(s.Arms[0]), plan.Resolve(s.Arms[1])},
	}
}
