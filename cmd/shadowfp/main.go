/*
 * shadowfp - Main process.
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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcornwell/shadowfp/internal/client"
	"github.com/rcornwell/shadowfp/internal/config"
	"github.com/rcornwell/shadowfp/internal/console"
	"github.com/rcornwell/shadowfp/internal/engine"
)

func main() {
	opts := config.Parse()

	if len(opts.Args) == 0 {
		fmt.Fprintln(os.Stderr, "shadowfp: no guest executable given")
		os.Exit(1)
	}
	execPath := opts.Args[0]

	ctx, err := engine.Init(opts, execPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shadowfp: unable to start engine:", err)
		os.Exit(1)
	}
	defer ctx.Fini()

	ctx.Log.Info("shadowfp attached", "guest", execPath)

	disp := client.New(ctx)
	cons := console.New(disp, os.Stdout)
	defer cons.Close()

	// Wait for a SIGINT or SIGTERM to flush reports and shut down
	// gracefully, same as waiting on the console to quit on its own.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- cons.Run()
	}()

	select {
	case <-sigChan:
		ctx.Log.Info("shadowfp received interrupt, shutting down")
	case err := <-done:
		if err != nil {
			ctx.Log.Error("console exited", "error", err)
		}
	}
}
