package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
)

func main() {
	if err := runApp(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// runApp is the main application entry point with panic recovery.
func runApp(args []string) (err error) {
	// Bootstrap logger until the configured one exists
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	defer func() {
		if r := recover(); r != nil {
			tempLogger.Error("panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	root := newRootCmd()
	root.SetArgs(args)
	return root.Execute()
}
