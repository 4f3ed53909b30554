/*
 * shadowfp - Guest IR boundary
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

// Package ir models the narrow slice of the host DBI framework's
// intermediate representation the block instrumenter (C4) needs to walk:
// a tagged-variant statement list per translated guest superblock. Block
// translation, dispatch, and symbol resolution themselves are the host's
// job and stay out of this repository.
package ir

// Opcode tags every FP-relevant guest intermediate operation the
// evaluator and instrumenter recognize, plus the pass-through (bit
// shuffling, no FP result) opcodes the dataflow must forward shadow
// identity across.
type Opcode int

const (
	OpUnknown Opcode = iota

	// Unary: square root, negate, absolute value.
	OpSqrt32
	OpSqrt64
	OpNeg32
	OpNeg64
	OpAbs32
	OpAbs64

	// Binary: add, sub, mul, div, min, max.
	OpAdd32
	OpAdd64
	OpSub32
	OpSub64
	OpMul32
	OpMul64
	OpDiv32
	OpDiv64
	OpMin32
	OpMin64
	OpMax32
	OpMax64

	// Compare, handled separately from the other binary ops (§4.6).
	OpCmpF64

	// Float-to-integer conversions, handled as binary conversions in
	// track-int mode.
	OpF64toI16S
	OpF64toI16U
	OpF64toI32S
	OpF64toI32U
	OpF64toI64S
	OpF64toI64U

	// Ternary: rounded forms (rounding-mode operand ignored).
	OpAddRounded32
	OpAddRounded64
	OpSubRounded32
	OpSubRounded64
	OpMulRounded32
	OpMulRounded64
	OpDivRounded32
	OpDivRounded64

	// Pass-through: bit reinterpret / lane packing. Never compute an FP
	// result; the dataflow must forward shadow identity across these.
	OpF32toF64
	OpF64toF32
	OpReinterpI64toF64
	OpReinterpF64toI64
	Op32Uto128
	Op128to64Lo
	Op128to64Hi
	Op64to32Lo
	Op64to32Hi
	Op64Uto128
	Op32Uto64
	Op64HLto128
	Op32HLto64

	// Catch-all for anything the evaluator does not classify; recorded
	// once in the unsupported-opcode set (§7) and left untracked.
	OpUnsupported
)

var passThrough = map[Opcode]bool{
	OpF32toF64:         true,
	OpF64toF32:         true,
	OpReinterpI64toF64: true,
	OpReinterpF64toI64: true,
	Op32Uto128:         true,
	Op128to64Lo:        true,
	Op128to64Hi:        true,
	Op64to32Lo:         true,
	Op64to32Hi:         true,
	Op64Uto128:         true,
	Op32Uto64:          true,
	Op64HLto128:        true,
	Op32HLto64:         true,
}

// IsPassThrough reports whether op only shuffles bits (the §6
// pass-through opcode table).
func (op Opcode) IsPassThrough() bool {
	return passThrough[op]
}

var doubleWidth = map[Opcode]bool{
	OpSqrt64: true, OpNeg64: true, OpAbs64: true,
	OpAdd64: true, OpSub64: true, OpMul64: true, OpDiv64: true,
	OpMin64: true, OpMax64: true,
	OpCmpF64:       true,
	OpAddRounded64: true, OpSubRounded64: true, OpMulRounded64: true, OpDivRounded64: true,
}

// IsDouble classifies an FP opcode as 64-bit (double) vs. 32-bit
// (single); meaningless for non-FP and pass-through opcodes.
func (op Opcode) IsDouble() bool {
	return doubleWidth[op]
}

// Shape names the evaluator dispatch shape an opcode belongs to.
type Shape int

const (
	ShapeOther Shape = iota
	ShapeUnary
	ShapeBinary
	ShapeTernary
)

func (op Opcode) Shape() Shape {
	switch op {
	case OpSqrt32, OpSqrt64, OpNeg32, OpNeg64, OpAbs32, OpAbs64:
		return ShapeUnary
	case OpAdd32, OpAdd64, OpSub32, OpSub64, OpMul32, OpMul64, OpDiv32, OpDiv64,
		OpMin32, OpMin64, OpMax32, OpMax64, OpCmpF64,
		OpF64toI16S, OpF64toI16U, OpF64toI32S, OpF64toI32U, OpF64toI64S, OpF64toI64U:
		return ShapeBinary
	case OpAddRounded32, OpAddRounded64, OpSubRounded32, OpSubRounded64,
		OpMulRounded32, OpMulRounded64, OpDivRounded32, OpDivRounded64:
		return ShapeTernary
	default:
		return ShapeOther
	}
}

// Temp is a guest IR temporary index.
type Temp int

// Operand is either a constant (its guest IEEE bits, reinterpreted by
// the consuming op's width) or a reference to a temp.
type Operand struct {
	IsConst bool
	Bits    uint64
	Temp    Temp
}

// StmtKind tags the statement shapes the instrumenter walks.
type StmtKind int

const (
	StWrTmp StmtKind = iota
	StPut
	StPutI
	StGet
	StGetI
	StStore
	StLoad
	StMux
)

// Stmt is one guest IR statement, carrying only the fields its Kind
// uses.
type Stmt struct {
	Kind StmtKind
	Dst  Temp

	Op   Opcode
	Args []Operand

	RegOffset    int
	Bias, NElems int

	Addr Operand
	Src  Operand

	Arms [2]Temp

	Origin uint64
}

// Block is one translated guest superblock.
type Block struct {
	Addr  uint64
	Stmts []Stmt
}

// InstructionPointerOffset is the canonical guest's IP register offset;
// Puts to it are skipped for shadow purposes (§4.4).
const InstructionPointerOffset = 168
