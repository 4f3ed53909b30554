/*
 * shadowfp - Run configuration
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

// Package config holds the run-wide Options every other package reads,
// and the getopt-based flag parsing (matching the command's own CLI
// idiom) that populates them.
package config

import (
	"math/big"
	"os"

	getopt "github.com/pborman/getopt/v2"
)

// Options is the full set of run-time toggles the specification's CLI
// surface (§6) exposes.
type Options struct {
	Precision         uint
	MeanError         bool
	IgnoreLibraries   bool
	IgnoreAccurate    bool
	SimOriginal       bool
	AnalyzeAll        bool
	IgnoreEnd         bool
	ErrorLocalization bool
	PrintEveryError   bool
	DetectPSO         bool
	GotoShadowBranch  bool
	TrackInt          bool
	Debug             bool
	LogFile           string

	Args []string
}

// DefaultPrecision is the out-of-the-box high-precision channel width,
// comfortably above double precision so that error accumulated across a
// long dependency chain stays distinguishable from the shadow's own
// rounding.
const DefaultPrecision = 120

// Default returns the Options a bare invocation runs with.
func Default() Options {
	return Options{
		Precision: DefaultPrecision,
		LogFile:   "shadowfp.log",
	}
}

// Clamp bounds Precision into math/big's representable range, the way
// an out-of-range --precision value is handled rather than rejected
// outright.
func (o *Options) Clamp() {
	if o.Precision < big.MinPrec {
		o.Precision = big.MinPrec
	}
	if o.Precision > big.MaxPrec {
		o.Precision = big.MaxPrec
	}
}

// Parse builds Options from the process's own argument list, in the
// teacher's getopt idiom: package-level flag variables, Parse(), Usage()
// printed and a clean exit on -h/--help.
func Parse() Options {
	opts := Default()

	optPrecision := getopt.UintLong("precision", 'p', opts.Precision, "High-precision shadow channel width in bits")
	optMeanErr := getopt.BoolLong("mean-error", 0, "Accumulate per-origin mean/max relative error")
	optIgnoreLib := getopt.BoolLong("ignore-libraries", 0, "Recorded in Options.IgnoreLibraries; no component reads it")
	optIgnoreAcc := getopt.BoolLong("ignore-accurate", 0, "Recorded in Options.IgnoreAccurate; no component reads it")
	optSimOrig := getopt.BoolLong("sim-original", 0, "Run the high-precision channel at guest precision")
	optAnalyzeAll := getopt.BoolLong("analyze-all", 0, "Recorded in Options.AnalyzeAll; no component reads it")
	optIgnoreEnd := getopt.BoolLong("ignore-end", 0, "Recorded in Options.IgnoreEnd; no component reads it (end-of-run summaries are always written)")
	optErrLoc := getopt.BoolLong("error-localization", 0, "Recorded in Options.ErrorLocalization; no component reads it")
	optEveryErr := getopt.BoolLong("print-every-error", 0, "Print every PRINT_ERROR request instead of the first per origin")
	optDetectPSO := getopt.BoolLong("detect-pso", 0, "Enable precision-specific-operation detection")
	optGotoShadow := getopt.BoolLong("goto-shadow-branch", 0, "Follow the shadow's comparison on CmpF64 divergence")
	optTrackInt := getopt.BoolLong("track-int", 0, "Propagate shadow through float-to-integer conversions")
	optDebug := getopt.BoolLong("debug", 'd', "Enable debug-level logging to stderr")
	optLogFile := getopt.StringLong("log", 'l', opts.LogFile, "Report/log output file")
	optHelp := getopt.BoolLong("help", 'h', "Help")

	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	opts.Precision = *optPrecision
	opts.MeanError = *optMeanErr
	opts.IgnoreLibraries = *optIgnoreLib
	opts.IgnoreAccurate = *optIgnoreAcc
	opts.SimOriginal = *optSimOrig
	opts.AnalyzeAll = *optAnalyzeAll
	opts.IgnoreEnd = *optIgnoreEnd
	opts.ErrorLocalization = *optErrLoc
	opts.PrintEveryError = *optEveryErr
	opts.DetectPSO = *optDetectPSO
	opts.GotoShadowBranch = *optGotoShadow
	opts.TrackInt = *optTrackInt
	opts.Debug = *optDebug
	opts.LogFile = *optLogFile
	opts.Args = getopt.Args()

	opts.Clamp()
	return opts
}
