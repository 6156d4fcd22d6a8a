package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/outfox/internal/bus"
	"github.com/loqalabs/outfox/internal/config"
	"github.com/loqalabs/outfox/internal/natsserver"
	"github.com/loqalabs/outfox/internal/transport"
	"github.com/loqalabs/outfox/internal/transport/natsbridge"
	"github.com/loqalabs/outfox/internal/transport/socket"
	"github.com/loqalabs/outfox/internal/transport/websocket"
)

// link is the active transport plus whatever it keeps alive.
type link struct {
	transport.Transport
	closers []func()
}

func (l *link) release() {
	for i := len(l.closers) - 1; i >= 0; i-- {
		l.closers[i]()
	}
}

func buildTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (*link, error) {
	switch cfg.Transport.Mode {
	case "socket":
		return &link{Transport: socket.New(socket.Options{
			Host:        cfg.Transport.Host,
			Port:        cfg.Service.Port,
			Delimiter:   byte(cfg.Service.Delimiter),
			MaxFrame:    cfg.Service.MaxFrame,
			DialTimeout: time.Duration(cfg.Transport.DialTimeoutMS) * time.Millisecond,
			QueueSize:   cfg.Transport.OutboundQueue,
		}, logger)}, nil
	case "websocket":
		return &link{Transport: websocket.New(websocket.Options{
			Path:           cfg.Transport.Path,
			MaxFrame:       cfg.Service.MaxFrame,
			QueueSize:      cfg.Transport.OutboundQueue,
			OriginPatterns: cfg.Transport.Origins,
		}, logger)}, nil
	case "nats":
		l := &link{}
		busCfg := cfg.Bus
		embedded, err := natsserver.Start(busCfg, logger)
		if err != nil {
			return nil, err
		}
		if embedded != nil {
			l.closers = append(l.closers, embedded.Shutdown)
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, cfg.Service.Name, logger)
		if err != nil {
			l.release()
			return nil, err
		}
		l.closers = append(l.closers, client.Close)
		command, response := cfg.Transport.Subjects(cfg.Service.Name)
		l.Transport = natsbridge.New(client, natsbridge.Options{
			CommandSubject:  command,
			ResponseSubject: response,
			QueueSize:       cfg.Transport.OutboundQueue,
		}, logger)
		return l, nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}
}
