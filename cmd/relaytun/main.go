package main

import (
	"context"
	"os"

	"github.com/drksbr/relaytun/internal/cli"
	"github.com/drksbr/relaytun/internal/util"
)

func main() {
	ctx, stop := util.WithSignalContext(context.Background())
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
