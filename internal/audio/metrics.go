package audio

import (
	"context"
	"fmt"

	"github.com/loqalabs/outfox/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/outfox/audio"

// Metrics records channel and page activity. A nil *Metrics records
// nothing.
type Metrics struct {
	commands   metric.Int64Counter
	operations metric.Int64Counter
	errors     metric.Int64Counter
	active     metric.Int64UpDownCounter
	pages      metric.Int64UpDownCounter
	channels   metric.Int64UpDownCounter
	fatal      metric.Int64Counter
}

// NewMetrics registers instruments on meter, or on the global provider
// when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{}
	var err error
	if m.commands, err = meter.Int64Counter("outfox.channel.commands",
		metric.WithDescription("Commands accepted by channels")); err != nil {
		return nil, fmt.Errorf("commands counter: %w", err)
	}
	if m.operations, err = meter.Int64Counter("outfox.channel.operations",
		metric.WithDescription("Output operations started")); err != nil {
		return nil, fmt.Errorf("operations counter: %w", err)
	}
	if m.errors, err = meter.Int64Counter("outfox.channel.errors",
		metric.WithDescription("Error notifications emitted by channels")); err != nil {
		return nil, fmt.Errorf("errors counter: %w", err)
	}
	if m.active, err = meter.Int64UpDownCounter("outfox.channel.active",
		metric.WithDescription("Channels with an outstanding output operation")); err != nil {
		return nil, fmt.Errorf("active counter: %w", err)
	}
	if m.pages, err = meter.Int64UpDownCounter("outfox.router.pages",
		metric.WithDescription("Live page sessions")); err != nil {
		return nil, fmt.Errorf("pages counter: %w", err)
	}
	if m.channels, err = meter.Int64UpDownCounter("outfox.router.channels",
		metric.WithDescription("Live channels across pages")); err != nil {
		return nil, fmt.Errorf("channels counter: %w", err)
	}
	if m.fatal, err = meter.Int64Counter("outfox.router.fatal",
		metric.WithDescription("Service-fatal failures reported to the wildcard page")); err != nil {
		return nil, fmt.Errorf("fatal counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) command(action protocol.Action) {
	if m == nil {
		return
	}
	m.commands.Add(context.Background(), 1, metric.WithAttributes(attribute.String("action", string(action))))
}

func (m *Metrics) operationStarted(op opKind) {
	if m == nil {
		return
	}
	kind := "play"
	if op == opSay {
		kind = "say"
	}
	m.operations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.active.Add(context.Background(), 1)
}

func (m *Metrics) operationEnded() {
	if m == nil {
		return
	}
	m.active.Add(context.Background(), -1)
}

func (m *Metrics) failure() {
	if m == nil {
		return
	}
	m.errors.Add(context.Background(), 1)
}

func (m *Metrics) channelOpened() {
	if m == nil {
		return
	}
	m.channels.Add(context.Background(), 1)
}

func (m *Metrics) channelsClosed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.channels.Add(context.Background(), -int64(n))
}

// PageOpened and PageClosed track the router's page map.
func (m *Metrics) PageOpened() {
	if m == nil {
		return
	}
	m.pages.Add(context.Background(), 1)
}

func (m *Metrics) PageClosed() {
	if m == nil {
		return
	}
	m.pages.Add(context.Background(), -1)
}

// Fatal counts a service-fatal failure.
func (m *Metrics) Fatal() {
	if m == nil {
		return
	}
	m.fatal.Add(context.Background(), 1)
}
