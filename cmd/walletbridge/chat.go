package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/walletbridge/pkg/chat"
	"github.com/lrhodin/walletbridge/pkg/native/memengine"
	"github.com/lrhodin/walletbridge/pkg/onion"
)

var chatCommand = &cli.Command{
	Name:  "chat",
	Usage: "Send and read chat messages through the sandbox engine",
	Subcommands: []*cli.Command{
		{
			Name:      "send",
			Usage:     "Send a message and print the conversation",
			ArgsUsage: "ADDRESS MESSAGE",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "tor",
					Usage: "Wait for tor to bootstrap and route the chat client through it",
				},
				&cli.BoolFlag{
					Name:  "echo",
					Usage: "Have the sandbox engine reply to every message",
				},
				&cli.DurationFlag{
					Name:  "wait",
					Usage: "How long to wait for a reply",
					Value: 2 * time.Second,
				},
			},
			Action: cmdChatSend,
		},
		{
			Name:   "recent",
			Usage:  "List the latest cached message of every conversation",
			Action: cmdChatRecent,
		},
	},
}

type chatApp struct {
	manager *chat.Manager
	service *chat.MessagesService
	store   *chat.Store
}

func (a *chatApp) Close() {
	a.manager.Stop()
	if a.store != nil {
		_ = a.store.Close()
	}
}

func openChatStore(ctx context.Context, path string) (*chat.Store, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return chat.OpenStore(ctx, path)
}

func startChat(ctx *cli.Context, transport chat.TransportParams) (*chatApp, error) {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	engine := memengine.New(memengine.Options{Echo: ctx.Bool("echo")})
	app := &chatApp{manager: chat.NewManager(engine, log, getMetrics(ctx))}

	var err error
	app.store, err = openChatStore(ctx.Context, cfg.Chat.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	app.service = chat.NewMessagesService(app.manager, log, chat.ServiceOptions{
		Store:     app.store,
		Metrics:   getMetrics(ctx),
		SendRate:  cfg.Chat.SendRate,
		SendBurst: cfg.Chat.SendBurst,
	})
	app.manager.OnMessage(func(msg chat.Message) {
		app.service.HandleIncoming(ctx.Context, msg)
	})
	if err = app.service.LoadCached(ctx.Context); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load cached messages: %w", err)
	}
	err = app.manager.Start(ctx.Context, chat.StartParams{
		Network:          cfg.Network,
		PublicAddress:    cfg.Chat.PublicAddress,
		DatastorePath:    cfg.Chat.DatastorePath,
		IdentityFilePath: cfg.Chat.IdentityFile,
		LogPath:          cfg.Chat.LogPath,
		LogVerbosity:     cfg.Chat.LogVerbosity,
		Transport:        transport,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start chat client: %w", err)
	}
	return app, nil
}

func printMessage(msg chat.Message) {
	fmt.Printf("%s  %-8s %s  %s\n", msg.Time().Format(time.DateTime), msg.Direction, msg.Address, msg.Body)
}

func cmdChatSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify an address and a message")
	}
	address, body := ctx.Args().Get(0), ctx.Args().Get(1)

	transport := onion.TransportConfig{SocksAddress: getConfig(ctx).Tor.SocksAddress}
	if ctx.Bool("tor") {
		var err error
		transport, err = newConnector(ctx).Start(ctx.Context, nil)
		if err != nil {
			return err
		}
	}
	app, err := startChat(ctx, transport.ChatTransport())
	if err != nil {
		return err
	}
	defer app.Close()

	if err = app.manager.AddContact(address); err != nil {
		return fmt.Errorf("failed to add contact: %w", err)
	}
	updates, unsubscribe := app.service.Subscribe()
	defer unsubscribe()
	if err = app.service.Send(ctx.Context, body, address); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if ctx.Bool("echo") {
		waitForReply(ctx.Context, updates, ctx.Duration("wait"))
	}
	for _, msg := range app.service.Messages(address) {
		printMessage(msg)
	}
	return nil
}

func waitForReply(ctx context.Context, updates <-chan chat.Update, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case update := <-updates:
			if len(update.Recent) > 0 && update.Recent[0].IsIncoming() {
				return
			}
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func cmdChatRecent(ctx *cli.Context) error {
	store, err := openChatStore(ctx.Context, getConfig(ctx).Chat.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	} else if store == nil {
		return fmt.Errorf("the message store is disabled in the config")
	}
	defer store.Close()
	svc := chat.NewMessagesService(nil, getLogger(ctx), chat.ServiceOptions{Store: store})
	if err = svc.LoadCached(ctx.Context); err != nil {
		return err
	}
	for _, msg := range svc.RecentPerContact() {
		printMessage(msg)
	}
	return nil
}
