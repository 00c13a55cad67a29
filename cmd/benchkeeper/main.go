package main

import (
	"context"
	"fmt"
	"os"

	"github.com/iudanet/benchkeeper/internal/agent"
	"github.com/iudanet/benchkeeper/internal/client/cli"
	"github.com/iudanet/benchkeeper/internal/client/iocli"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	build := agent.BuildInfo{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
	}

	cmd := cli.NewRootCommand(build, iocli.NewStdio())
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
