/*
 * shadowfp - Report file sinks
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

// Package report owns the per-run output files the engine dumps
// diagnostics to: the plain-text relative-error/cancellation/mean/stage/PSO
// logs and the .vcg dependency-graph dumps, one file per origin-class, each
// capped and numbered so repeated runs never clobber a prior report.
package report

import (
	"fmt"
	"os"
)

// Record and graph caps from the tool's report-dump discipline.
const (
	MaxEntriesPerFile = 10000
	MaxDumpedGraphs   = 10
	MaxLevelOfGraph   = 10
)

// Suffixes for the report files named in the client-request/output spec.
const (
	SuffixRelativeError = "_shadow_values_relative_error"
	SuffixCanceled      = "_shadow_values_canceled"
	SuffixSpecial       = "_shadow_values_special"
	SuffixMeanAddr      = "_mean_errors_addr"
	SuffixMeanCanceled  = "_mean_errors_canceled"
	SuffixMeanIntro     = "_mean_errors_intro"
	SuffixStageReports  = "_stage_reports"
	SuffixPSOLog        = "_pso.log"
)

// nextFreeName returns execPath+suffix+"_"+N for the smallest positive N
// that does not collide with an existing file.
func nextFreeName(execPath, suffix string) (string, error) {
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s%s_%d", execPath, suffix, n)
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name, nil
		} else if err != nil {
			return "", err
		}
	}
}

// Writer is a single report file with a record cap; once the cap is hit
// further writes are silently dropped (the file is already at
// MaxEntriesPerFile, not an error condition).
type Writer struct {
	f       *os.File
	path    string
	entries int
	full    bool
}

// Create allocates a fresh, uniquely-suffixed report file beside the
// guest executable path and writes its one-line header, which records
// the V128 lane handling; the header does not count against
// MaxEntriesPerFile.
func Create(execPath, suffix string) (*Writer, error) {
	name, err := nextFreeName(execPath, suffix)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("unable to create report file %s: %w", name, err)
	}
	fmt.Fprintln(f, "# V128: lanes 0/1 only; 128-bit lane ops forward shadow identity, no per-lane shadow")
	return &Writer{f: f, path: name}, nil
}

// Path reports the file name this writer was allocated.
func (w *Writer) Path() string {
	return w.path
}

// Writef appends one record; it reports whether the record was written
// (false once MaxEntriesPerFile has been reached for this file).
func (w *Writer) Writef(format string, a ...interface{}) bool {
	if w.full {
		return false
	}
	fmt.Fprintf(w.f, format+"\n", a...)
	w.entries++
	if w.entries >= MaxEntriesPerFile {
		w.full = true
	}
	return true
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}

// GraphNode is the minimal shape a dependency-graph dump needs: an
// origin-identified node with up to two parent origins (operand origins
// from the max-error run). Implementations must be safe to call
// repeatedly; cycles are broken by the dumper, not the node.
type GraphNode interface {
	ID() uint64
	Label() string
	Parents() []GraphNode
}

// GraphDumper bounds the number of .vcg graphs written per report run.
type GraphDumper struct {
	execPath string
	dumped   int
}

// NewGraphDumper creates a dumper rooted at execPath; k in DumpVCG
// names the client-request invocation, i the dump's ordinal within it.
func NewGraphDumper(execPath string) *GraphDumper {
	return &GraphDumper{execPath: execPath}
}

// DumpVCG writes a depth- and count-capped dependency graph for root.
// It returns ("", nil) once MaxDumpedGraphs has already been reached for
// this run (a silent cap, by design: the caller logs if it wants to
// surface that dumps were dropped).
func (g *GraphDumper) DumpVCG(k, i int, root GraphNode) (string, error) {
	if g.dumped >= MaxDumpedGraphs {
		return "", nil
	}
	name := fmt.Sprintf("%s_%d_%d.vcg", g.execPath, k, i)
	f, err := os.Create(name)
	if err != nil {
		return "", fmt.Errorf("unable to create graph dump %s: %w", name, err)
	}
	defer f.Close()

	fmt.Fprintln(f, "graph: {")
	fmt.Fprintf(f, "title: \"%s\"\n", root.Label())

	seen := make(map[uint64]bool)
	var walk func(n GraphNode, level int)
	walk = func(n GraphNode, level int) {
		if level > MaxLevelOfGraph || seen[n.ID()] {
			return
		}
		seen[n.ID()] = true
		fmt.Fprintf(f, "node: { title: \"%x\" label: \"%s\" }\n", n.ID(), n.Label())
		for _, p := range n.Parents() {
			fmt.Fprintf(f, "edge: { sourcename: \"%x\" targetname: \"%x\" }\n", n.ID(), p.ID())
			walk(p, level+1)
		}
	}
	walk(root, 0)
	fmt.Fprintln(f, "}")

	g.dumped++
	return name, nil
}

// FormatAddr renders a guest address the way the report files expect it:
// fixed-width lowercase hex, no leading "0x".
func FormatAddr(addr uint64) string {
	return fmt.Sprintf("%016x", addr)
}
