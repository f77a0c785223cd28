package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/walletbridge/pkg/native/memengine"
	"github.com/lrhodin/walletbridge/pkg/wallet"
)

var contactsCommand = &cli.Command{
	Name:  "contacts",
	Usage: "Manage wallet contacts through the sandbox engine",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "add",
			Usage: "Add or update a contact, given as ALIAS=ADDRESS",
		},
		&cli.StringSliceFlag{
			Name:  "favorite",
			Usage: "Add or update a favorite contact, given as ALIAS=ADDRESS",
		},
		&cli.StringSliceFlag{
			Name:  "remove",
			Usage: "Remove the contact with ADDRESS",
		},
	},
	Action: cmdContacts,
}

func parseContactArg(arg string) (alias, address string, err error) {
	alias, address, ok := strings.Cut(arg, "=")
	if !ok || alias == "" || address == "" {
		return "", "", fmt.Errorf("invalid contact %q, expected ALIAS=ADDRESS", arg)
	}
	return alias, address, nil
}

func cmdContacts(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	mgr := wallet.NewManager(memengine.New(memengine.Options{}), getLogger(ctx), getMetrics(ctx))
	err := mgr.Start(ctx.Context, wallet.Config{
		Network:        cfg.Network,
		DatastorePath:  cfg.Wallet.DatastorePath,
		Passphrase:     cfg.Wallet.Passphrase,
		RecoveryPhrase: cfg.Wallet.RecoveryPhrase,
	})
	if err != nil {
		return fmt.Errorf("failed to open wallet: %w", err)
	}
	defer mgr.Stop()

	for _, flag := range []string{"add", "favorite"} {
		favorite := flag == "favorite"
		for _, arg := range ctx.StringSlice(flag) {
			alias, address, err := parseContactArg(arg)
			if err != nil {
				return err
			}
			if err = mgr.AddContact(alias, address, favorite); err != nil {
				return fmt.Errorf("failed to add %s: %w", alias, err)
			}
		}
	}
	for _, address := range ctx.StringSlice("remove") {
		if err = mgr.RemoveContact(address); err != nil {
			return fmt.Errorf("failed to remove %s: %w", address, err)
		}
	}

	contacts, err := mgr.ListContacts()
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}
	for _, contact := range contacts {
		star := " "
		if contact.Favorite {
			star = "*"
		}
		fmt.Printf("%s %-20s %s\n", star, contact.Alias, contact.Address)
	}
	return nil
}
