package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dpaschal/HamClock-sub000/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	// SIGUSR1 dismisses the newest alert, SIGUSR2 dismisses all of them.
	ack := make(chan os.Signal, 4)
	signal.Notify(ack, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range ack {
			switch sig {
			case syscall.SIGUSR1:
				a.AcknowledgeLatest()
			case syscall.SIGUSR2:
				a.AcknowledgeAll()
			}
		}
	}()

	<-ctx.Done()
	signal.Stop(ack)
	_ = a.Stop(context.Background())
}
