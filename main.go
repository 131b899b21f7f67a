// Command photorestore restores degraded photographs by running a reverse
// diffusion process against an external encoder and denoiser.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"photorestore/core"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newCLI(stdout, stderr).rootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil && code != core.ExitCodeSIGINT {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}
