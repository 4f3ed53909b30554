/*
 * shadowfp - Interactive debug console
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

// Package console is a liner-backed interactive debug shell an operator
// attaches to a running engine.Context to issue the same requests a
// guest program would otherwise send through the client-request
// interface: inspect a carrier's shadow, force a reset, bracket a stage,
// or drive the PSO detector by hand.
package console

import (
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/rcornwell/shadowfp/internal/client"
	"github.com/rcornwell/shadowfp/internal/report"
)

// HistoryFile names a command-history file. The console keeps history in
// memory for the current session only and never reads or writes this
// file.
const HistoryFile = ".shadowfp_history"

// Console wraps a liner.State bound to one client.Dispatcher.
type Console struct {
	line *liner.State
	disp *client.Dispatcher
	out  io.Writer
}

var commandNames = []string{"print", "get", "reset", "begin", "end",
	"begin-stage", "end-stage", "clear-stage", "pso-begin-run", "pso-end-run",
	"pso-begin-instance", "pso-finished", "quit", "help"}

// New creates a console reading commands for disp, echoing output to out.
func New(disp *client.Dispatcher, out io.Writer) *Console {
	l := liner.NewLiner()
	l.SetCtrlCAborts(true)
	l.SetCompleter(func(line string) []string {
		var matches []string
		for _, name := range commandNames {
			if strings.HasPrefix(name, line) {
				matches = append(matches, name)
			}
		}
		return matches
	})
	return &Console{line: l, disp: disp, out: out}
}

// Close releases the underlying terminal; history is not saved.
func (c *Console) Close() error {
	return c.line.Close()
}

// Run reads and dispatches commands until the user quits or EOF. It
// never returns an error for a clean quit/EOF, only for a line-editor
// failure.
func (c *Console) Run() error {
	defer c.line.Close()
	for {
		input, err := c.line.Prompt("shadowfp> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		c.line.AppendHistory(input)
		if c.dispatch(input) {
			return nil
		}
	}
}

// dispatch runs one command line, returning true iff the console should
// stop (a "quit" command).
func (c *Console) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "quit", "exit":
		return true

	case "help":
		fmt.Fprintln(c.out, "commands: print <addr>  get <addr>  reset  begin  end  "+
			"begin-stage <i>  end-stage <i>  clear-stage <i>  "+
			"pso-begin-run  pso-end-run  pso-begin-instance  pso-finished  quit")

	case "reset":
		c.disp.Reset()

	case "begin":
		c.disp.Begin()

	case "end":
		c.disp.End()

	case "pso-begin-run":
		c.disp.PSOBeginRun()

	case "pso-end-run":
		c.disp.PSOEndRun()

	case "pso-begin-instance":
		c.disp.PSOBeginInstance()

	case "pso-finished":
		fmt.Fprintln(c.out, c.disp.IsPSOFinished())

	case "begin-stage", "end-stage", "clear-stage":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage:", cmd, "<stage-index>")
			return false
		}
		i, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintln(c.out, "bad stage index:", args[0])
			return false
		}
		switch cmd {
		case "begin-stage":
			c.disp.BeginStage(i)
		case "end-stage":
			c.disp.EndStage(i)
		case "clear-stage":
			c.disp.ClearStage(i)
		}

	case "get", "print":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "usage:", cmd, "<hex-address>")
			return false
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
		if err != nil {
			fmt.Fprintln(c.out, "bad address:", args[0])
			return false
		}
		c.showAddr(addr, cmd == "print")

	default:
		fmt.Fprintln(c.out, "unknown command:", cmd, "(try help)")
	}
	return false
}

func (c *Console) showAddr(addr uint64, verbose bool) {
	sv, ok := c.disp.PeekShadow(addr)
	if !ok {
		fmt.Fprintln(c.out, report.FormatAddr(addr), "not tracked")
		return
	}
	if verbose {
		c.disp.PrintValues(sv)
		return
	}
	v := new(big.Float).Copy(sv.Value)
	fmt.Fprintln(c.out, report.FormatAddr(addr), "=", v.Text('g', 30))
}
