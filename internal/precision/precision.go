/*
 * shadowfp - Precision-aware primitive helper
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

// Package precision factors the three shadow channels (high-precision,
// middle, simulated-original) through one precision-aware primitive, so
// that op/precision/rounding/subnormal-emulation never drift apart
// between channels. The underlying arbitrary-precision engine is
// math/big's Float, the multi-precision library the specification treats
// as an external, already-given service.
package precision

import "math/big"

// Op names the primitive operations the evaluator needs across all three
// operation shapes (unary, binary, ternary-rounded).
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMin
	OpMax
	OpSqrt
	OpNeg
	OpAbs
)

// Nominal guest precisions (mantissa bits, implicit bit included).
const (
	Single uint = 24
	Double uint = 53
)

// Subnormal exponent bracket for the simulated-original channel, per the
// tool's subnormal-emulation requirement.
const (
	MinExp = -1073
	MaxExp = 1024
)

// Channel bundles the per-evaluation precision/rounding/subnormal state
// one of the three shadow channels is computed under.
type Channel struct {
	Prec      uint
	Mode      big.RoundingMode
	Subnormal bool
}

// Eval applies op to args at ch's precision and rounding mode. Binary ops
// take exactly two args, unary ops exactly one. When ch.Subnormal is set
// the result is additionally clamped into the emulated exponent bracket
// before being returned, reproducing the guest's gradual underflow.
func Eval(op Op, ch Channel, args ...*big.Float) *big.Float {
	prec := ch.Prec
	if prec == 0 {
		prec = Double
	}
	z := new(big.Float).SetPrec(prec).SetMode(ch.Mode)

	switch op {
	case OpAdd:
		z.Add(args[0], args[1])
	case OpSub:
		z.Sub(args[0], args[1])
	case OpMul:
		z.Mul(args[0], args[1])
	case OpDiv:
		z.Quo(args[0], args[1])
	case OpMin:
		if args[0].Cmp(args[1]) <= 0 {
			z.Set(args[0])
		} else {
			z.Set(args[1])
		}
	case OpMax:
		if args[0].Cmp(args[1]) >= 0 {
			z.Set(args[0])
		} else {
			z.Set(args[1])
		}
	case OpSqrt:
		z.Sqrt(args[0])
	case OpNeg:
		z.Neg(args[0])
	case OpAbs:
		z.Abs(args[0])
	}

	if ch.Subnormal {
		Subnormalize(z, prec, MinExp, MaxExp)
	}
	return z
}

// Subnormalize emulates an MPFR-style exponent-ranged subnormalization,
// where emin is the exponent of the smallest subnormal: when z's binary
// exponent falls below the smallest normal exponent (emin+nominalPrec-1),
// it re-rounds the mantissa to exp-emin+1 significant bits (gradual
// underflow) instead of letting math/big's unrestricted exponent range
// represent it exactly; values that underflow past zero bits of
// precision flush to a signed zero, and values whose exponent exceeds
// emax saturate to a signed infinity.
func Subnormalize(z *big.Float, nominalPrec uint, emin, emax int) *big.Float {
	if z.Sign() == 0 || z.IsInf() {
		return z
	}
	mant := new(big.Float)
	exp := z.MantExp(mant) // z == mant * 2**exp, 0.5 <= |mant| < 1

	if exp > emax {
		inf := infWithSign(z.Sign())
		z.SetPrec(nominalPrec)
		z.Set(inf)
		return z
	}
	if exp >= emin+int(nominalPrec)-1 {
		return z
	}

	effPrec := exp - emin + 1
	if effPrec <= 0 {
		zero := new(big.Float).SetPrec(nominalPrec)
		if z.Sign() < 0 {
			zero.Neg(zero)
		}
		z.Set(zero)
		return z
	}

	mant.SetPrec(uint(effPrec))
	z.SetMantExp(mant, exp)
	z.SetPrec(nominalPrec)
	return z
}

func infWithSign(sign int) *big.Float {
	f := new(big.Float)
	if sign < 0 {
		return f.SetInf(true)
	}
	return f.SetInf(false)
}

// RoundTo24Or53 picks the nominal guest precision for a single- or
// double-precision classified operation.
func RoundTo24Or53(isDouble bool) uint {
	if isDouble {
		return Double
	}
	return Single
}
