// Command remotingd is the process interface of the server (§6): a
// standalone remoting host listening on one TCP port, with flags for
// logging verbosity, a log file, and whether to exit once its last
// connected client disconnects.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/dsmithson/goremoting/dispatch"
	"github.com/dsmithson/goremoting/proxy"
	"github.com/dsmithson/goremoting/registry"
	"github.com/dsmithson/goremoting/server"
)

// Exit codes named in §6's process interface.
const (
	exitSuccess = iota
	exitSocketCreateFailure
	exitStartFailure
)

func main() {
	app := &cli.App{
		Name:  "remotingd",
		Usage: "stand-alone bidirectional remoting host",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Value: 9731, Usage: "TCP port to listen on"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug-level logging"},
			&cli.StringFlag{Name: "logfile", Usage: "write logs to this file instead of stderr"},
			&cli.BoolFlag{Name: "kill-on-disconnect", Usage: "exit once the last connected client disconnects"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("remotingd: %v", err))
		os.Exit(exitStartFailure)
	}
}

func run(c *cli.Context) error {
	log := logrus.New()
	if c.Bool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}
	if path := c.String("logfile"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return cli.Exit(fmt.Sprintf("opening log file: %v", err), exitStartFailure)
		}
		log.SetOutput(f)
	} else {
		log.SetFormatter(&logrus.TextFormatter{ForceColors: true})
	}
	entry := logrus.NewEntry(log)

	reg := registry.New(proxy.Default, entry)
	srv := server.New(reg, dispatch.Default, nil, entry)
	srv.KillOnDisconnect = c.Bool("kill-on-disconnect")
	srv.OnAllDisconnected(func() {
		entry.Info("remotingd: last client disconnected, shutting down")
	})

	addr := fmt.Sprintf(":%d", c.Int("port"))
	entry.Infof("remotingd: listening on %s", addr)
	if err := srv.ListenAndServe(addr); err != nil {
		return cli.Exit(fmt.Sprintf("listening on %s: %v", addr, err), exitSocketCreateFailure)
	}
	return nil
}
