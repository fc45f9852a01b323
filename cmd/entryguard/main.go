package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/PatchLens/go-entry-guard/guard"
	"github.com/PatchLens/go-entry-guard/guard/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cmd.NewRootCommand(nil).ExecuteContext(ctx); err != nil {
		stop()
		log.Fatalf("%s%v", guard.ErrorLogPrefix, err)
	}
}
