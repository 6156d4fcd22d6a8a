package audio

import (
	"testing"

	"github.com/loqalabs/outfox/internal/protocol"
	"github.com/stretchr/testify/assert"
)

func TestSchedulerDeduplicatesDrains(t *testing.T) {
	sched := NewScheduler()
	ch := NewChannel(ChannelOptions{Output: &fakeOutput{}, Scheduler: sched, Logger: discardLogger()})

	sched.MarkDrain(ch)
	sched.MarkDrain(ch)
	assert.Equal(t, 1, sched.RunPending())
	assert.False(t, sched.Pending())
}

func TestSchedulerRunsDrainsBeforeEvents(t *testing.T) {
	sched := NewScheduler()
	out := &fakeOutput{}
	rec := &recorder{}
	ch := NewChannel(ChannelOptions{Output: out, Scheduler: sched, Observer: rec.observe, Logger: discardLogger()})

	seen := -1
	sched.Post(func() { seen = len(rec.got) })
	ch.queue = append(ch.queue, cmd(protocol.ActionGetConfig, nil))
	sched.MarkDrain(ch)

	sched.RunPending()
	assert.Equal(t, []protocol.Event{protocol.EventSetConfig}, rec.events())
	assert.Equal(t, 1, seen)
}

func TestSchedulerDefersWorkScheduledWhileRunning(t *testing.T) {
	sched := NewScheduler()
	ran := 0
	sched.Post(func() {
		sched.Post(func() { ran++ })
	})

	assert.Equal(t, 1, sched.RunPending())
	assert.Equal(t, 0, ran)
	assert.True(t, sched.Pending())

	sched.RunPending()
	assert.Equal(t, 1, ran)
}

func TestSchedulerWakeSignals(t *testing.T) {
	sched := NewScheduler()
	sched.Post(func() {})
	sched.Post(func() {})
	select {
	case <-sched.Wake():
	default:
		t.Fatalf("expected wake signal")
	}
	select {
	case <-sched.Wake():
		t.Fatalf("wake should coalesce")
	default:
	}
}
