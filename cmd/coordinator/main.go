package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apq-labscript/runcoord/pkg/admin"
	"github.com/apq-labscript/runcoord/pkg/coordinator"
	"github.com/apq-labscript/runcoord/pkg/obslog"
)

func main() {
	fanIn := flag.String("fan-in-addr", ":43227", "Listen address for the participant-to-coordinator fan-in channel")
	fanOut := flag.String("fan-out-addr", ":43228", "Listen address for the coordinator-to-participant fan-out channel")
	adminAddr := flag.String("admin-addr", ":43229", "Listen address for the read-only admin/observability surface")
	finishTimeout := flag.Duration("finish-timeout", 2*time.Second, "How long devices may take to reach FINISHED after master_finished before the run auto-aborts")
	startupDelay := flag.Duration("startup-delay", time.Second, "Delay after binding sockets before broadcasting the initial greet")
	flag.Parse()

	log := obslog.New(os.Stderr)

	cfg := coordinator.DefaultConfig()
	cfg.FanInAddr = *fanIn
	cfg.FanOutAddr = *fanOut
	cfg.FinishTimeout = *finishTimeout
	cfg.StartupDelay = *startupDelay
	cfg.Logger = log

	coord := coordinator.New(cfg)

	adminSrv := admin.New(coord)
	go func() {
		if err := adminSrv.ListenAndServe(*adminAddr); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  admin surface stopped: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("🚀 runcoord coordinator starting (fan-in %s, fan-out %s, admin %s)\n", *fanIn, *fanOut, *adminAddr)

	if err := coord.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "❌ coordinator exited with error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ coordinator shut down cleanly")
}
