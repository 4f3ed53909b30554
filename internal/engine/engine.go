/*
 * shadowfp - Process-wide engine context
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

// Package engine owns the single process-wide Context tying together the
// shadow store, the evaluator, the state-transfer handlers, the
// diagnostic accumulators, and the report sinks. Every callback the
// block instrumenter wires receives this Context by pointer; nothing in
// this repository keeps package-level singletons.
package engine

import (
	"log/slog"
	"os"

	"github.com/rcornwell/shadowfp/internal/config"
	"github.com/rcornwell/shadowfp/internal/diag"
	"github.com/rcornwell/shadowfp/internal/eval"
	"github.com/rcornwell/shadowfp/internal/logx"
	"github.com/rcornwell/shadowfp/internal/report"
	"github.com/rcornwell/shadowfp/internal/shadow"
	"github.com/rcornwell/shadowfp/internal/transfer"
)

// Context is the live state one instrumented guest process runs with.
type Context struct {
	Opts config.Options

	Store     *shadow.Store
	Mean      *diag.MeanTable
	Stages    *diag.StageTable
	PSO       *diag.PSODetector
	BranchDiv *diag.BranchDivergence

	Eval     *eval.Evaluator
	Transfer *transfer.Handlers

	Log *slog.Logger

	logFile *os.File
	execPath string
	graphs   *report.GraphDumper

	printedOrigin map[uint64]bool
}

// Init builds a Context from opts, opening the log file and wiring every
// package-level component together; it never runs the guest itself (the
// host DBI framework's job, out of scope here).
func Init(opts config.Options, execPath string) (*Context, error) {
	var logFile *os.File
	var err error
	if opts.LogFile != "" {
		logFile, err = os.Create(opts.LogFile)
		if err != nil {
			return nil, err
		}
	}

	level := new(slog.LevelVar)
	if opts.Debug {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
	logger := slog.New(logx.NewHandler(logFile, &slog.HandlerOptions{Level: level}, opts.Debug))

	store := shadow.New()
	mean := diag.NewMeanTable()
	stages := diag.NewStageTable()
	pso := diag.NewPSODetector()
	branchDiv := diag.NewBranchDivergence()

	evalOpts := eval.Options{
		Precision:   opts.Precision,
		SimOriginal: opts.SimOriginal,
		MeanError:   opts.MeanError,
		DetectPSO:   opts.DetectPSO,
		TrackInt:    opts.TrackInt,
	}

	ctx := &Context{
		Opts:          opts,
		Store:         store,
		Mean:          mean,
		Stages:        stages,
		PSO:           pso,
		BranchDiv:     branchDiv,
		Eval:          eval.New(evalOpts, mean, pso, branchDiv, logger),
		Transfer:      transfer.New(store, stages),
		Log:           logger,
		logFile:       logFile,
		execPath:      execPath,
		graphs:        report.NewGraphDumper(execPath),
		printedOrigin: make(map[uint64]bool),
	}
	ctx.Log.Info("shadowfp engine initialized", "precision", opts.Precision)
	return ctx, nil
}

// GraphDumper exposes the report dumper for the client-request interface
// to use directly (its .vcg cap is shared across the whole run).
func (c *Context) GraphDumper() *report.GraphDumper {
	return c.graphs
}

// ShouldPrintOrigin implements the first-per-origin PRINT_ERROR
// throttling unless --print-every-error overrides it.
func (c *Context) ShouldPrintOrigin(origin uint64) bool {
	if c.Opts.PrintEveryError {
		return true
	}
	if c.printedOrigin[origin] {
		return false
	}
	c.printedOrigin[origin] = true
	return true
}

// Fini flushes and closes the resources Init opened; it logs (but does
// not fail on) the resource-discipline invariant that mallocs should
// equal frees plus whatever remains active, and logs one warning per
// opcode recorded as unsupported during the run.
func (c *Context) Fini() error {
	if got, want := c.Store.Mallocs()-c.Store.Frees(), uint64(c.Store.ActiveCount()); got != want {
		c.Log.Warn("shadow resource mismatch at termination", "mallocs_minus_frees", got, "active", want)
	}
	for op := range c.Eval.UnsupportedOps() {
		c.Log.Warn("unsupported FP opcode", "opcode", int(op))
	}
	c.writeSummaries()
	c.Log.Info("shadowfp engine terminated")
	if c.logFile != nil {
		return c.logFile.Close()
	}
	return nil
}
