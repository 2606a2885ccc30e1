package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/fatih/color"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	e := newEnv(os.Stdin, os.Stdout, os.Stderr)
	app := newCLIApp(e)
	err := app.RunContext(ctx, os.Args)
	stop()
	e.close()

	if err == nil {
		memguard.Purge()
		return
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), msg)
	}
	// SafeExit wipes every guarded buffer before exiting.
	memguard.SafeExit(exitStatus(err))
}
