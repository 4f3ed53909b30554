/*
 * shadowfp - Client-request interface
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

// Package client is the client-request interface (C6): the fixed set of
// in-process commands a guest program issues (typically via a
// magic-sequence trap the host DBI framework recognizes) to steer and
// inspect the shadow engine from inside its own instrumented code.
package client

import (
	"math"
	"math/big"

	"github.com/rcornwell/shadowfp/internal/diag"
	"github.com/rcornwell/shadowfp/internal/engine"
	"github.com/rcornwell/shadowfp/internal/report"
	"github.com/rcornwell/shadowfp/internal/shadow"
)

// Tag names every client request this interface accepts.
type Tag int

const (
	TagPrintError Tag = iota
	TagCondPrintError
	TagDumpErrorGraph
	TagCondDumpErrorGraph
	TagBeginStage
	TagEndStage
	TagClearStage
	TagErrorGreater
	TagReset
	TagInsertShadow
	TagSetShadow
	TagOriginalToShadow
	TagShadowToOriginal
	TagSetOriginal
	TagSetShadowBy
	TagGetRelativeError
	TagGetShadow
	TagPrintValues
	TagBegin
	TagEnd
	TagPSOBeginRun
	TagPSOEndRun
	TagPSOBeginInstance
	TagIsPSOFinished
)

// Dispatcher processes client requests against one engine Context.
// Active gates the reporting requests (PRINT_ERROR, COND_PRINT_ERROR,
// DUMP_ERROR_GRAPH, COND_DUMP_ERROR_GRAPH): a guest program brackets the
// region it wants reported with BEGIN/END. Every other request runs
// whether or not Active is set.
type Dispatcher struct {
	ctx    *engine.Context
	Active bool
}

// New creates a Dispatcher bound to ctx. Active starts true: a guest
// that never issues BEGIN/END gets full-process analysis, same as a run
// with no brackets at all.
func New(ctx *engine.Context) *Dispatcher {
	return &Dispatcher{ctx: ctx, Active: true}
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

func orgBits(o shadow.Org) (uint64, bool) {
	switch o.Type {
	case shadow.Float64:
		return math.Float64bits(o.Db), true
	case shadow.Float32:
		return uint64(math.Float32bits(o.Fl)), true
	default:
		return 0, false
	}
}

func (d *Dispatcher) relErrorOf(sv *shadow.SV) (float64, bool) {
	bits, ok := orgBits(sv.Org)
	if !ok {
		return 0, false
	}
	guest := bitsToFloat(bits, sv.OrgType == shadow.Float64)
	return relativeError(sv.Value, guest), true
}

// Begin opens an analysis bracket.
func (d *Dispatcher) Begin() { d.Active = true }

// End closes an analysis bracket.
func (d *Dispatcher) End() { d.Active = false }

// Reset deactivates every carrier, regardless of Active.
func (d *Dispatcher) Reset() { d.ctx.Store.Reset() }

// PeekShadow returns the tracked shadow value at a memory address, if
// any, without reviving a deactivated entry — the console's "get"/
// "print" commands use this to inspect state outside the client-request
// protocol itself.
func (d *Dispatcher) PeekShadow(addr uint64) (*shadow.SV, bool) {
	return d.ctx.Store.GetMem(addr)
}

// PrintError logs sv's current relative error, throttled to the first
// occurrence per origin unless --print-every-error is set.
func (d *Dispatcher) PrintError(sv *shadow.SV) {
	if !d.Active || sv == nil {
		return
	}
	rel, ok := d.relErrorOf(sv)
	if !ok || !d.ctx.ShouldPrintOrigin(sv.Origin) {
		return
	}
	d.ctx.Log.Warn("shadow relative error", "origin", report.FormatAddr(sv.Origin), "relative_error", rel)
}

// CondPrintError is PrintError gated on rel exceeding threshold.
func (d *Dispatcher) CondPrintError(sv *shadow.SV, threshold float64) {
	if !d.Active || sv == nil {
		return
	}
	rel, ok := d.relErrorOf(sv)
	if !ok || rel <= threshold {
		return
	}
	d.PrintError(sv)
}

// ErrorGreater reports whether sv's current relative error exceeds
// threshold, letting the guest make its own conditional decision instead
// of always routing through PrintError/DumpErrorGraph.
func (d *Dispatcher) ErrorGreater(sv *shadow.SV, threshold float64) bool {
	if sv == nil {
		return false
	}
	rel, ok := d.relErrorOf(sv)
	return ok && rel > threshold
}

// meanGraphNode walks the mean table's recorded max-error parent chain
// for one origin, the dependency graph DumpErrorGraph renders.
type meanGraphNode struct {
	origin uint64
	mean   *diag.MeanTable
}

func (n *meanGraphNode) ID() uint64     { return n.origin }
func (n *meanGraphNode) Label() string  { return report.FormatAddr(n.origin) }
func (n *meanGraphNode) Parents() []report.GraphNode {
	e, ok := n.mean.Get(n.origin)
	if !ok {
		return nil
	}
	var out []report.GraphNode
	for i, has := range e.HasParent {
		if has && e.ParentOrigins[i] != n.origin {
			out = append(out, &meanGraphNode{origin: e.ParentOrigins[i], mean: n.mean})
		}
	}
	return out
}

// DumpErrorGraph writes the max-error dependency graph rooted at sv's
// origin; k identifies the client-request call site, i the dump's
// ordinal within it (the VCG naming the report package expects).
func (d *Dispatcher) DumpErrorGraph(sv *shadow.SV, k, i int) (string, error) {
	if !d.Active || sv == nil {
		return "", nil
	}
	root := &meanGraphNode{origin: sv.Origin, mean: d.ctx.Mean}
	return d.ctx.GraphDumper().DumpVCG(k, i, root)
}

// CondDumpErrorGraph is DumpErrorGraph gated on ErrorGreater.
func (d *Dispatcher) CondDumpErrorGraph(sv *shadow.SV, threshold float64, k, i int) (string, error) {
	if !d.ErrorGreater(sv, threshold) {
		return "", nil
	}
	return d.DumpErrorGraph(sv, k, i)
}

// BeginStage opens a new iteration of stage i (BEGIN_STAGE).
func (d *Dispatcher) BeginStage(i int) { d.ctx.Stages.Begin(i) }

// EndStage closes the current iteration of stage i (END_STAGE) and logs
// any newly touched divergence report.
func (d *Dispatcher) EndStage(i int) {
	for _, rep := range d.ctx.Stages.End(i) {
		d.ctx.Log.Warn("stage iteration divergence", "addr", report.FormatAddr(rep.Addr),
			"count", rep.Count, "iter_min", rep.IterMin, "iter_max", rep.IterMax, "limit", rep.Limit)
	}
}

// ClearStage discards stage i's accumulated state (CLEAR_STAGE).
func (d *Dispatcher) ClearStage(i int) { d.ctx.Stages.Clear(i) }

func guestFloatPrec(isDouble bool) uint {
	if isDouble {
		return 53
	}
	return 24
}

// InsertShadow writes sv's high-precision channel into its middle channel
// at guest precision (INSERT_SHADOW): this is how a guest primes the
// "what would this have computed at guest precision" channel from the
// shadow's own current value.
func (d *Dispatcher) InsertShadow(sv *shadow.SV, isDouble bool) {
	sv.MidValue.SetPrec(guestFloatPrec(isDouble)).Set(sv.Value)
}

// SetShadow overwrites sv's high-precision channel from its middle
// channel (SET_SHADOW): the guest's own "fixed" computation, already
// carried in midValue, becomes the value this engine reports as shadow
// truth going forward.
func (d *Dispatcher) SetShadow(sv *shadow.SV, isDouble bool) {
	sv.Value.SetPrec(d.ctx.Eval.Opts.EffectivePrecision(isDouble)).Set(sv.MidValue)
}

// SetShadowBy copies src's high-precision and middle channels into dst
// (SET_SHADOW_BY), for a guest that wants one tracked memory location to
// start carrying another's shadow state verbatim.
func (d *Dispatcher) SetShadowBy(dst, src *shadow.SV) {
	dst.Value.SetPrec(src.Value.Prec()).Set(src.Value)
	dst.MidValue.SetPrec(src.MidValue.Prec()).Set(src.MidValue)
}

// OriginalToShadow resyncs sv's shadow channels from the guest's current
// IEEE value (ORIGINAL_TO_SHADOW), discarding whatever error the shadow
// had accumulated.
func (d *Dispatcher) OriginalToShadow(sv *shadow.SV, guestBits uint64, isDouble bool) {
	v := bitsToFloat(guestBits, isDouble)
	sv.Value.SetPrec(d.ctx.Eval.Opts.EffectivePrecision(isDouble)).Set(v)
	sv.MidValue.SetPrec(guestFloatPrec(isDouble)).Set(v)
	sv.OriValue.SetPrec(guestFloatPrec(isDouble)).Set(v)
}

// ShadowToOriginal returns sv's high-precision channel rounded to the
// guest's own IEEE bits (SHADOW_TO_ORIGINAL), for a guest that wants to
// substitute the shadow's more accurate value back into its own state.
func (d *Dispatcher) ShadowToOriginal(sv *shadow.SV, isDouble bool) uint64 {
	if isDouble {
		f, _ := sv.Value.Float64()
		return math.Float64bits(f)
	}
	f, _ := sv.Value.Float32()
	return uint64(math.Float32bits(f))
}

// SetOriginal overwrites sv's captured Org without touching its shadow
// channels (SET_ORIGINAL): used when the guest has already changed its
// own value out of band and only wants future drift detection to use
// the new baseline.
func (d *Dispatcher) SetOriginal(sv *shadow.SV, guestBits uint64, isDouble bool) {
	if isDouble {
		sv.OrgType, sv.Org = shadow.Float64, shadow.Org{Type: shadow.Float64, Db: math.Float64frombits(guestBits)}
	} else {
		sv.OrgType, sv.Org = shadow.Float32, shadow.Org{Type: shadow.Float32, Fl: math.Float32frombits(uint32(guestBits))}
	}
}

// GetRelativeError returns sv's current relative error (GET_RELATIVE_ERROR).
func (d *Dispatcher) GetRelativeError(sv *shadow.SV) (float64, bool) {
	return d.relErrorOf(sv)
}

// GetShadow returns sv's high-precision channel (GET_SHADOW).
func (d *Dispatcher) GetShadow(sv *shadow.SV) *big.Float {
	return new(big.Float).Copy(sv.Value)
}

// PrintValues logs all three of sv's channels (PRINT_VALUES).
func (d *Dispatcher) PrintValues(sv *shadow.SV) {
	d.ctx.Log.Info("shadow values", "origin", report.FormatAddr(sv.Origin),
		"value", sv.Value.Text('g', 30), "mid", sv.MidValue.Text('g', 17), "ori", sv.OriValue.Text('g', 17))
}

// PSOBeginRun starts a fresh PSO detection cycle (PSO_BEGIN_RUN).
func (d *Dispatcher) PSOBeginRun() { d.ctx.PSO.BeginRun() }

// PSOBeginInstance resets the per-instance PSO latch (PSO_BEGIN_INSTANCE).
func (d *Dispatcher) PSOBeginInstance() { d.ctx.PSO.BeginInstance() }

// PSOEndRun closes the detection cycle and persists any new PSO sites
// (PSO_END_RUN).
func (d *Dispatcher) PSOEndRun() { d.ctx.PSO.EndRun() }

// IsPSOFinished reports whether a detection run is not currently open
// (IS_PSO_FINISHED).
func (d *Dispatcher) IsPSOFinished() bool { return d.ctx.PSO.IsFinished() }
