package main

import (
	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/proctop/internal/cli"
	"github.com/jeffypooo/proctop/internal/config"
	"github.com/jeffypooo/proctop/internal/logging"
	"github.com/jeffypooo/proctop/internal/monitor"
	"github.com/jeffypooo/proctop/internal/system"
)

func main() {
	rootCmd := cli.NewRootCmd(func(path string) (*monitor.Monitor, error) {
		if path == "" {
			path = config.PathFromEnv()
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		// stdout belongs to the command output
		logger, err := logging.New(cfg.LogLevel, cfg.LogDir, nil)
		if err != nil {
			return nil, err
		}
		return monitor.New(system.NewHost(cfg.DiskPath), cfg, monitor.WithLogger(logging.Named(logger, "cli")))
	})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
