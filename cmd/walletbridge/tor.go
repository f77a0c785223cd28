package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/walletbridge/pkg/onion"
)

var torCommand = &cli.Command{
	Name:   "tor",
	Usage:  "Wait for the local tor daemon to finish bootstrapping",
	Action: cmdTor,
}

func newConnector(ctx *cli.Context) *onion.Connector {
	cfg := getConfig(ctx)
	return onion.NewConnector(&onion.ControlPortBootstrapper{
		ControlAddress: cfg.Tor.ControlAddress,
		Password:       cfg.Tor.Password,
		SocksAddress:   cfg.Tor.SocksAddress,
		Isolation:      cfg.Tor.Isolation,
		PollInterval:   cfg.Tor.PollInterval,
		Log:            getLogger(ctx),
	}, getLogger(ctx), getMetrics(ctx))
}

func cmdTor(ctx *cli.Context) error {
	transport, err := newConnector(ctx).Start(ctx.Context, func(percent int) {
		fmt.Fprintf(os.Stderr, "\rBootstrapping tor: %3d%%", percent)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	fmt.Printf("Tor is ready, SOCKS proxy at %s\n", transport.SocksAddress)
	return nil
}
