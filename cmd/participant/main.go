package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/apq-labscript/runcoord/pkg/obslog"
	"github.com/apq-labscript/runcoord/pkg/participant"
)

const banner = `
╔══════════════════════════════════════╗
║   runcoord participant  device=%-8s ║
╚══════════════════════════════════════╝

Type 'help' for available commands
Type 'exit' or 'quit' to exit

`

func main() {
	name := flag.String("name", "", "device name, unique per session (required)")
	fanInURL := flag.String("fan-in-url", "ws://127.0.0.1:43227/", "Coordinator fan-in endpoint")
	fanOutURL := flag.String("fan-out-url", "ws://127.0.0.1:43228/", "Coordinator fan-out endpoint")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "❌ -name is required")
		os.Exit(1)
	}

	log := obslog.New(os.Stderr)

	cfg := participant.DefaultConfig(*name)
	cfg.FanInURL = *fanInURL
	cfg.FanOutURL = *fanOutURL
	cfg.Logger = log

	p := participant.New(cfg)
	p.SetIsFinishedCallback(func() bool { return true })
	p.SetStartCallback(func() { fmt.Println("▶️  section started") })
	p.SetLoadNextSectionCallback(func(section int) { fmt.Printf("📦 loading section %d\n", section) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("🔌 connecting to coordinator (fan-in %s, fan-out %s)\n", *fanInURL, *fanOutURL)
	if err := p.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ registration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf(banner, *name)

	go runREPL(p)

	if err := p.Wait(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "❌ participant exited with error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ participant shut down cleanly")
}

func runREPL(p *participant.Participant) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "buffered":
			p.SendBuffered()
		case "running":
			p.SendRunning()
		case "abort":
			p.Abort()
		case "master-finished":
			p.SendMasterFinished()
		case "shutdown", "exit", "quit":
			p.Shutdown()
			return
		case "phase":
			fmt.Println(p.Phase())
		case "help":
			fmt.Println("commands: buffered, running, abort, master-finished, phase, shutdown")
		case "":
		default:
			fmt.Println("unrecognized command, try 'help'")
		}
	}
}
