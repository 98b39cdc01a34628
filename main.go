package main

import (
	"context"
	"flag"
	"os"

	"chainmesh/commands"
	"chainmesh/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

// main is the entry point of the application.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	registerGlobalFlags(serveCmd)

	peersCmd := flag.NewFlagSet("peers", flag.ExitOnError)
	peersTarget := peersCmd.String("target", "", "Address of the node to query (defaults to the configured bootnode)")
	registerGlobalFlags(peersCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg)
	case "serve":
		serveCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg, err := config.NewConfigFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		commands.RunServe(ctx, cfg)
	case "peers":
		peersCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg, err := config.NewConfigFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		commands.RunPeers(ctx, cfg, *peersTarget)
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg, err := config.NewConfigFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		commands.RunInfo(ctx, cfg)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
