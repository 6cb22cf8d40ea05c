package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/mavbridge/cmd/mavbridge/bridge"
	"github.com/temoto/mavbridge/cmd/mavbridge/console"
	"github.com/temoto/mavbridge/cmd/mavbridge/subcmd"
	"github.com/temoto/mavbridge/internal/config"
	"github.com/temoto/mavbridge/internal/pubsub"
	"github.com/temoto/mavbridge/log2"
)

var log = log2.NewStderr(log2.LInfo)

var modules = []subcmd.Mod{
	bridge.Mod,
	console.Mod,
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConnect := cmdline.String("connect", "", "MAVLink connection string, e.g. tcp:127.0.0.1:5760 udpin:0.0.0.0:14550 serial:/dev/ttyACM0:57600")
	flagConfig := cmdline.String("config", "", "session config file (HCL)")
	flagPath := cmdline.String("path", "", "topic prefix (default \""+config.DefaultPath+"\")")
	flagDebug := cmdline.Bool("debug", false, "debug logging")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "usage: %s [flags] [command]\n\ncommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(cmdline.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(cmdline.Output(), "\nflags:\n")
		cmdline.PrintDefaults()
	}
	_ = cmdline.Parse(os.Args[1:])

	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		// systemd journal or pipe, it adds timestamps
		log.SetFlags(log2.LServiceFlags)
	}

	command := bridge.Mod.Name
	if cmdline.NArg() > 0 {
		command = cmdline.Arg(0)
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		cmdline.Usage()
		log.Fatal(err)
	}

	cfg, err := config.Load(log, *flagConfig)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	cfg.ConfigPath = *flagConfig
	cfg.Connect = *flagConnect
	if *flagPath != "" {
		cfg.Path = *flagPath
	}
	if *flagDebug {
		cfg.LogDebug = true
	}
	if cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	pubsub.SetMQTTLog(log, cfg.Session.LogDebug)

	ctx, cancel := context.WithCancel(context.Background())
	go handleSignals(cancel)

	if err := mod.Main(ctx, cfg, log); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

// First signal cancels context for graceful shutdown, second exits immediately.
func handleSignals(cancel context.CancelFunc) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigch
	log.Infof("signal=%v stopping", s)
	cancel()
	s = <-sigch
	log.Errorf("signal=%v forced exit", s)
	os.Exit(1)
}
