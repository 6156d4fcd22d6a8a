package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/outfox/internal/bus"
	"github.com/loqalabs/outfox/internal/config"
	"github.com/loqalabs/outfox/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'send' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		path := fs.String("file", "outfox.yaml", "Path to configuration file")
		_ = fs.Parse(os.Args[2:])
		if _, err := config.Load(*path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "send":
		if err := runSend(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

type sendOptions struct {
	configPath string
	servers    string
	page       string
	channel    int
	action     string
	text       string
	url        string
	wait       time.Duration
}

func parseSend(args []string) (sendOptions, error) {
	var o sendOptions
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.configPath, "config", "", "Path to configuration file (bus and subjects)")
	fs.StringVar(&o.servers, "servers", "", "Comma separated NATS servers, overrides config")
	fs.StringVar(&o.page, "page", `"outfoxctl"`, "Page id as JSON text")
	fs.IntVar(&o.channel, "channel", 0, "Channel id")
	fs.StringVar(&o.action, "action", "", "Command action, e.g. say")
	fs.StringVar(&o.text, "text", "", "Text for say")
	fs.StringVar(&o.url, "url", "", "URL for play")
	fs.DurationVar(&o.wait, "wait", 3*time.Second, "How long to print responses")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.action == "" {
		return o, errors.New("send needs -action")
	}
	if !json.Valid([]byte(o.page)) {
		return o, fmt.Errorf("page id %q is not JSON text", o.page)
	}
	if !protocol.Action(o.action).Valid() {
		return o, fmt.Errorf("unknown action %q", o.action)
	}
	return o, nil
}

// request builds the envelope a page would send for these options.
func (o sendOptions) request() ([]byte, error) {
	fields := map[string]any{"channel": o.channel}
	if o.text != "" {
		fields["text"] = o.text
	}
	if o.url != "" {
		fields["url"] = o.url
	}
	return protocol.EncodeRequest(protocol.PageID(o.page), protocol.NewCommand(protocol.Action(o.action), fields))
}

func runSend(args []string, out io.Writer) error {
	o, err := parseSend(args)
	if err != nil {
		return err
	}
	cfg := config.Default()
	if o.configPath != "" {
		if cfg, err = config.Load(o.configPath); err != nil {
			return err
		}
	}
	if o.servers != "" {
		cfg.Bus.Servers = strings.Split(o.servers, ",")
	}
	data, err := o.request()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), o.wait)
	defer cancel()
	client, err := bus.Connect(ctx, cfg.Bus, "outfoxctl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	command, response := cfg.Transport.Subjects(cfg.Service.Name)
	responses := make(chan []byte, 64)
	sub, err := client.Subscribe(response, func(b []byte) {
		select {
		case responses <- b:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := client.Publish(command, data); err != nil {
		return err
	}
	if err := client.Flush(ctx); err != nil {
		return err
	}
	for {
		select {
		case b := <-responses:
			fmt.Fprintln(out, string(b))
		case <-ctx.Done():
			return nil
		}
	}
}
