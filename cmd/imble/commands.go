package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli"

	"github.com/ciniml/imble/internal/ble"
	"github.com/ciniml/imble/internal/ble/protocol"
	"github.com/ciniml/imble/internal/config"
	"github.com/ciniml/imble/internal/event"
	"github.com/ciniml/imble/internal/server"
)

func scan(c *cli.Context) error {
	d := c.Duration("duration")
	if d <= 0 {
		d = cfg.Scan.Duration
	}
	ctx, stop := signalContext()
	defer stop()

	adapter, release, err := openAdapter(cfg)
	if err != nil {
		return err
	}
	defer release()

	fmt.Printf("Scanning for %s...\n", d)
	ps, err := ble.Discover(ctx, adapter, d)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p.Address, p.Name(), p.RSSI)
	}
	return tw.Flush()
}

func connect(c *cli.Context) error {
	addr, err := ble.ParseAddress(c.String("address"))
	if err != nil {
		return fmt.Errorf("--address: %w", err)
	}
	printBanner(cfg)

	ctx, stop := signalContext()
	defer stop()

	adapter, release, err := openAdapter(cfg)
	if err != nil {
		return err
	}
	defer release()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Session.ConnectTimeout)
	sess, err := establish(connectCtx, adapter, addr)
	cancel()
	if err != nil {
		return err
	}
	defer sess.Close()
	fmt.Printf("Connected to %s (%s)\n", addr, sess.Status())

	var subs event.Group
	defer subs.Close()
	subs.Add(event.Subscribe(sess.Messages(), func(m ble.Message) {
		fmt.Printf("< %q\n", m.Payload)
	}))
	subs.Add(event.Subscribe(sess.LinkStatusChanged(), func(cs ble.ConnectionStatus) {
		fmt.Printf("link %s\n", cs)
	}))

	if msg := c.String("message"); msg != "" {
		if err := sendText(ctx, sess, []byte(msg)); err != nil {
			return err
		}
	} else {
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				if err := sendText(ctx, sess, sc.Bytes()); err != nil {
					fmt.Fprintf(os.Stderr, "send: %v\n", err)
				}
			}
		}()
	}

	fmt.Println("Ctrl+C to quit.")
	<-ctx.Done()
	return nil
}

// establish prefers a device the OS already paired, and otherwise scans
// for the peripheral and connects to it, pairing if needed.
func establish(ctx context.Context, adapter ble.Adapter, addr ble.Address) (*ble.Session, error) {
	known, err := ble.PairedDevices(ctx, adapter)
	if err != nil && !errors.Is(err, errors.ErrUnsupported) {
		return nil, err
	}
	for _, info := range known {
		if info.Address == addr {
			return ble.ConnectPaired(ctx, adapter, info, cfg.SessionOptions())
		}
	}

	p, err := findPeripheral(ctx, adapter, addr)
	if err != nil {
		return nil, err
	}
	return p.Connect(ctx, cfg.SessionOptions())
}

func findPeripheral(ctx context.Context, adapter ble.Adapter, addr ble.Address) (*ble.Peripheral, error) {
	w := ble.NewWatcher(adapter)
	defer w.Close()

	found := make(chan *ble.Peripheral, 1)
	sub := event.Subscribe(w.Feed(), func(ev ble.FeedEvent) {
		if ev.Kind == ble.FeedAdded && ev.Peripheral.Address == addr {
			select {
			case found <- ev.Peripheral:
			default:
			}
		}
	})
	defer sub.Close()

	if err := w.Start(); err != nil {
		return nil, err
	}
	fmt.Printf("Looking for %s...\n", addr)

	ctx, cancel := context.WithTimeout(ctx, cfg.Scan.Duration)
	defer cancel()
	select {
	case p := <-found:
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("peripheral %s not found: %w", addr, ctx.Err())
	}
}

// sendText sends p as consecutive frames, each under the send timeout.
func sendText(ctx context.Context, sess *ble.Session, p []byte) error {
	for _, sp := range protocol.Split(p) {
		sctx, cancel := context.WithTimeout(ctx, cfg.Session.SendTimeout)
		err := sess.Send(sctx, p, sp.Offset, sp.Length)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func serve(c *cli.Context) error {
	printBanner(cfg)
	ctx, stop := signalContext()
	defer stop()

	adapter, release, err := openAdapter(cfg)
	if err != nil {
		return err
	}
	defer release()

	srv := server.New(adapter, server.Options{
		Session:        cfg.SessionOptions(),
		ConnectTimeout: cfg.Session.ConnectTimeout,
		SendTimeout:    cfg.Session.SendTimeout,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Close()

	fmt.Printf("Feed on ws://%s/ws. Ctrl+C to quit.\n", cfg.Server.Listen)
	return srv.ListenAndServe(ctx, cfg.Server.Listen)
}

func paired(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()

	adapter, release, err := openAdapter(cfg)
	if err != nil {
		return err
	}
	defer release()

	infos, err := ble.PairedDevices(ctx, adapter)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No paired IMBLE devices.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tID")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Address, info.Name, info.ID)
	}
	return tw.Flush()
}

func unpair(c *cli.Context) error {
	addr, err := ble.ParseAddress(c.String("address"))
	if err != nil {
		return fmt.Errorf("--address: %w", err)
	}
	ctx, stop := signalContext()
	defer stop()

	adapter, release, err := openAdapter(cfg)
	if err != nil {
		return err
	}
	defer release()

	infos, err := ble.PairedDevices(ctx, adapter)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Address != addr {
			continue
		}
		if err := adapter.Unpair(ctx, info.ID); err != nil {
			return fmt.Errorf("unpair %s: %w", addr, err)
		}
		fmt.Printf("Unpaired %s\n", addr)
		return nil
	}
	return fmt.Errorf("%s is not paired", addr)
}

func initConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
