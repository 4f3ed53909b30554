/*
 * shadowfp - End-of-run report summaries
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

package engine

import (
	"github.com/rcornwell/shadowfp/internal/diag"
	"github.com/rcornwell/shadowfp/internal/report"
)

// writeSummaries dumps the plain-text per-run reports beside execPath
// (§6 "Output files"): mean relative error and cancellation by origin,
// introduced error, stage divergence, and persisted PSO sites. Each
// sink is independent; a failure opening one does not stop the others,
// since every one of these is peripheral to the run that already
// happened (Fini logs and moves on rather than failing termination).
func (c *Context) writeSummaries() {
	c.writeMeanAddr()
	c.writeMeanCanceled()
	c.writeMeanIntro()
	c.writeStageReports()
	c.writePSOLog()
}

func (c *Context) writeMeanAddr() {
	w, err := report.Create(c.execPath, report.SuffixMeanAddr)
	if err != nil {
		c.Log.Warn("unable to open mean-error-by-addr report", "error", err)
		return
	}
	defer w.Close()
	c.Mean.Range(func(origin uint64, e *diag.MeanEntry) {
		w.Writef("%s count=%d mean=%g max=%g", report.FormatAddr(origin), e.Count, e.Mean(), e.MaxRel)
	})
}

func (c *Context) writeMeanCanceled() {
	w, err := report.Create(c.execPath, report.SuffixMeanCanceled)
	if err != nil {
		c.Log.Warn("unable to open mean-canceled report", "error", err)
		return
	}
	defer w.Close()
	c.Mean.Range(func(origin uint64, e *diag.MeanEntry) {
		if e.MaxCanceled == 0 {
			return
		}
		w.Writef("%s count=%d sum_canceled=%d max_canceled=%d overflow=%t",
			report.FormatAddr(origin), e.Count, e.SumCanceled, e.MaxCanceled, e.CanceledOverflow)
	})
}

func (c *Context) writeMeanIntro() {
	w, err := report.Create(c.execPath, report.SuffixMeanIntro)
	if err != nil {
		c.Log.Warn("unable to open introduced-error report", "error", err)
		return
	}
	defer w.Close()
	c.Mean.Range(func(origin uint64, _ *diag.MeanEntry) {
		introduced, ok := c.Mean.IntroducedError(origin)
		if !ok {
			return
		}
		w.Writef("%s introduced=%g", report.FormatAddr(origin), introduced)
	})
}

func (c *Context) writeStageReports() {
	w, err := report.Create(c.execPath, report.SuffixStageReports)
	if err != nil {
		c.Log.Warn("unable to open stage report", "error", err)
		return
	}
	defer w.Close()
	for addr, rep := range c.Stages.Reports() {
		w.Writef("%s count=%d iter_min=%d iter_max=%d limit=%g",
			report.FormatAddr(addr), rep.Count, rep.IterMin, rep.IterMax, rep.Limit)
	}
}

func (c *Context) writePSOLog() {
	w, err := report.Create(c.execPath, report.SuffixPSOLog)
	if err != nil {
		c.Log.Warn("unable to open PSO log", "error", err)
		return
	}
	defer w.Close()
	c.PSO.Range(func(origin uint64, e *diag.DetectedPSO) {
		w.Writef("%s false_positive=%t", report.FormatAddr(origin), e.FalsePositive)
	})
}
