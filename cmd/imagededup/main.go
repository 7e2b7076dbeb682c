package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/imagetoolkit/imagededup/pkg/command"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	app := command.NewApp(ctx)
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imagededup: %s\n", err)
		os.Exit(1)
	}
}
