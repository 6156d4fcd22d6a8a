package audio

import (
	"fmt"
	"testing"
	"time"

	"github.com/loqalabs/outfox/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSayStartsAndFinishes(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, sched := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "hello", "channel": 0, "name": "a"})))
	require.Equal(t, []string{"hello"}, out.speaks)
	assert.True(t, ch.Busy())
	assert.Equal(t, StateBusy, ch.State())
	assert.Equal(t, protocol.EventStartedSay, rec.last().Action)
	assert.Equal(t, "a", rec.last().Get("name"))
	assert.Equal(t, 0, rec.last().Get("channel"))

	out.listener.OnCompleted()
	settle(t, sched)

	assert.Equal(t, []protocol.Event{protocol.EventStartedSay, protocol.EventFinishedSay}, rec.events())
	assert.Equal(t, "a", rec.last().Get("name"))
	assert.False(t, ch.Busy())
	assert.Nil(t, ch.Name())
}

func TestSayWhileBusyQueuesInOrder(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, sched := newTestChannel(out, rec)

	for i := 1; i <= 3; i++ {
		require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": fmt.Sprintf("s%d", i), "name": i})))
	}
	assert.Equal(t, []string{"s1"}, out.speaks)
	assert.Equal(t, 2, ch.QueueLen())
	assert.Equal(t, []protocol.Event{protocol.EventStartedSay}, rec.events())

	for i := 0; i < 3; i++ {
		out.listener.OnCompleted()
		settle(t, sched)
	}
	assert.Equal(t, []string{"s1", "s2", "s3"}, out.speaks)
	assert.Equal(t, []protocol.Event{
		protocol.EventStartedSay, protocol.EventFinishedSay,
		protocol.EventStartedSay, protocol.EventFinishedSay,
		protocol.EventStartedSay, protocol.EventFinishedSay,
	}, rec.events())
	assert.False(t, ch.Busy())
}

// The drain after a completion happens on a later scheduler pass, never
// inside the callback that reported it.
func TestCompletionDrainsOnNextPass(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, sched := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "one"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "two"})))

	out.listener.OnCompleted()
	sched.RunPending()
	assert.Equal(t, []string{"one"}, out.speaks)
	assert.Equal(t, 1, ch.QueueLen())

	sched.RunPending()
	assert.Equal(t, []string{"one", "two"}, out.speaks)
}

func TestSayEmptyTextIsNoop(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": ""})))
	assert.Empty(t, out.speaks)
	assert.Empty(t, rec.got)
	assert.False(t, ch.Busy())
}

func TestSayWithoutTextIsMalformed(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	err := ch.PushRequest(cmd(protocol.ActionSay, nil))
	assert.ErrorIs(t, err, ErrMalformedCommand)
	assert.Equal(t, 0, ch.QueueLen())
}

func TestSpeakRejectionKeepsDraining(t *testing.T) {
	out := &fakeOutput{speakErr: errRejected}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "x", "name": "a"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionGetConfig, nil)))

	assert.Equal(t, []protocol.Event{protocol.EventError, protocol.EventSetConfig}, rec.events())
	assert.Equal(t, "Bad speech buffer.", rec.got[0].Get("description"))
	assert.Nil(t, rec.got[0].Get("name"))
	assert.False(t, ch.Busy())
}

func TestPlayInvalidURL(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionPlay, map[string]any{"url": "bad://x", "invalid": true})))
	require.Len(t, rec.got, 1)
	assert.Equal(t, protocol.EventError, rec.got[0].Action)
	assert.Equal(t, "Bad sound URL.", rec.got[0].Get("description"))
	assert.Equal(t, "bad://x", rec.got[0].Get("url"))
	assert.Empty(t, out.plays)
	assert.False(t, ch.Busy())
}

func TestPlayResolvesSource(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, sched := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionPlay, map[string]any{"filename": "/tmp/a.wav", "url": "http://x/a.wav"})))
	out.listener.OnCompleted()
	settle(t, sched)
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionPlay, map[string]any{"url": "http://x/b.mp3", "cache": true})))
	out.listener.OnCompleted()
	settle(t, sched)
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionStream, map[string]any{"url": "http://x/c.mp3", "cache": true})))

	require.Len(t, out.plays, 3)
	assert.Equal(t, Source{URI: "/tmp/a.wav", Local: true}, out.plays[0])
	assert.Equal(t, Source{URI: "http://x/b.mp3", Cache: true}, out.plays[1])
	assert.Equal(t, Source{URI: "http://x/c.mp3", Stream: true}, out.plays[2])
}

func TestPlayWithoutResource(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionPlay, nil)))
	assert.Equal(t, "Bad sound URL/filename.", rec.last().Get("description"))
	assert.Empty(t, out.plays)
}

func TestPlayEmitsOutputAndWordEvents(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, sched := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "two words", "name": "w"})))
	out.listener.OnStarted(KindSpeech)
	out.listener.OnWordBoundary(0, 3)
	out.listener.OnWordBoundary(4, 5)
	out.listener.OnError("device lost")
	settle(t, sched)

	assert.Equal(t, []protocol.Event{
		protocol.EventStartedSay,
		protocol.EventStartedOutput,
		protocol.EventStartedWord,
		protocol.EventStartedWord,
		protocol.EventError,
	}, rec.events())
	word := rec.got[3]
	assert.Equal(t, 4, word.Get("location"))
	assert.Equal(t, 5, word.Get("length"))
	assert.Equal(t, "w", word.Get("name"))
	assert.Equal(t, "device lost", rec.last().Get("description"))
	assert.False(t, ch.Busy())
}

func TestDeferredStallAndUnstall(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionPlay, map[string]any{"deferred": "r1", "name": "d"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionGetConfig, nil)))
	id, stalled := ch.StalledOn()
	assert.True(t, stalled)
	assert.Equal(t, protocol.RequestID("r1"), id)
	assert.Equal(t, StateStalled, ch.State())
	assert.Empty(t, rec.got)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionDeferredResult, map[string]any{"deferred": "r1", "filename": "/tmp/x.mp3"})))
	_, stalled = ch.StalledOn()
	assert.False(t, stalled)
	require.Len(t, out.plays, 1)
	assert.Equal(t, "/tmp/x.mp3", out.plays[0].URI)
	assert.Equal(t, []protocol.Event{protocol.EventStartedPlay}, rec.events())
	assert.Equal(t, "d", ch.Name())
	assert.Equal(t, 1, ch.QueueLen())
}

func TestDeferredResultSplicesOriginalAction(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"deferred": 9})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionDeferredResult, map[string]any{"deferred": 9, "text": "late"})))

	assert.Equal(t, []string{"late"}, out.speaks)
	assert.Equal(t, protocol.EventStartedSay, rec.last().Action)
}

func TestNonMatchingDeferredIsCached(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"deferred": "a"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionDeferredResult, map[string]any{"deferred": "b", "text": "for b"})))
	id, stalled := ch.StalledOn()
	assert.True(t, stalled)
	assert.Equal(t, protocol.RequestID("a"), id)
	assert.Empty(t, out.speaks)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionDeferredResult, map[string]any{"deferred": "a", "text": "for a"})))
	assert.Equal(t, []string{"for a"}, out.speaks)

	// the cached result is consumed by a later command without stalling
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"deferred": "b"})))
	_, stalled = ch.StalledOn()
	assert.False(t, stalled)
	assert.Equal(t, 1, ch.QueueLen())
	out.listener.OnCompleted()
	settle(t, ch.sched)
	assert.Equal(t, []string{"for a", "for b"}, out.speaks)
}

func TestStopAbsorbsLateCallbacks(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, sched := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "one", "name": "a"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "two"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"deferred": "z"})))
	first := out.listener

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionStop, nil)))
	assert.Equal(t, 1, out.stops)
	assert.Equal(t, 0, ch.QueueLen())
	assert.True(t, ch.Busy())
	assert.Equal(t, "a", ch.Name())

	first.OnCompleted()
	first.OnCompleted()
	first.OnError("late")
	settle(t, sched)

	assert.Equal(t, []protocol.Event{protocol.EventStartedSay, protocol.EventFinishedSay}, rec.events())
	assert.Equal(t, "a", rec.last().Get("name"))
	assert.False(t, ch.Busy())
	assert.Equal(t, []string{"one"}, out.speaks)
}

func TestStopWhileIdleDoesNotTouchOutput(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionStop, nil)))
	assert.Equal(t, 0, out.stops)
	assert.Empty(t, rec.got)
}

func TestResetRestoresDefaults(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSetNow, map[string]any{"name": "volume", "value": 0.2})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSetNow, map[string]any{"name": "rate", "value": 310})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSetQueued, map[string]any{"name": "voice", "value": "bob"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSetQueued, map[string]any{"name": "loop", "value": true})))
	assert.Equal(t, Settings{Volume: 0.2, Rate: 310, Loop: true, Voice: "bob"}, ch.Config())

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionResetQueued, nil)))
	assert.Equal(t, Settings{Volume: 0.9, Rate: 200, Loop: false, Voice: "alice"}, ch.Config())

	rec.reset()
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionGetConfig, nil)))
	require.Len(t, rec.got, 1)
	assert.Equal(t, map[string]any{
		"volume": 0.9,
		"rate":   200,
		"loop":   false,
		"voice":  "alice",
		"voices": []string{},
	}, rec.got[0].Get("config"))
}

func TestResetRestoresConfiguredDefaults(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch := NewChannel(ChannelOptions{
		Output:    out,
		Scheduler: NewScheduler(),
		Observer:  rec.observe,
		Defaults:  Settings{Volume: 0.5, Rate: 150, Loop: true},
		Logger:    discardLogger(),
	})

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSetNow, map[string]any{"name": "volume", "value": 0.2})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionResetQueued, nil)))
	assert.Equal(t, Settings{Volume: 0.5, Rate: 150, Loop: true, Voice: "alice"}, ch.Config())
}

func TestResetNowAppliesToLiveOutput(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionPlay, map[string]any{"filename": "/a.wav", "name": "n"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionResetNow, nil)))

	assert.Equal(t, []propertyCall{{"volume", 0.9}, {"loop", false}}, out.props)
	assert.True(t, ch.Busy())
	assert.Equal(t, "n", ch.Name())
}

func TestGetConfigReportsVoices(t *testing.T) {
	out := &fakeOutput{voices: []string{"alice", "bob"}}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionGetConfig, nil)))
	cfg, ok := rec.last().Get("config").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, cfg["voices"])
	assert.Equal(t, "alice", cfg["voice"])
	assert.Equal(t, 200, cfg["rate"])
}

func TestUnknownPropertyIsIgnored(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	before := ch.Config()
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSetNow, map[string]any{"name": "pitch", "value": 3})))
	assert.Equal(t, before, ch.Config())
	assert.Empty(t, rec.got)
}

func TestSetPropertyAppliesLiveAndNotifies(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "x", "name": "tag"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSetNow, map[string]any{"name": "volume", "value": 0.5})))

	assert.Equal(t, []propertyCall{{"volume", 0.5}}, out.props)
	n := rec.last()
	assert.Equal(t, protocol.EventSetProperty, n.Action)
	assert.Equal(t, "volume", n.Get("name"))
	assert.Equal(t, 0.5, n.Get("value"))
}

func TestSetPropertyWrongTypeIsMalformed(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	err := ch.PushRequest(cmd(protocol.ActionSetNow, map[string]any{"name": "rate", "value": "fast"}))
	assert.ErrorIs(t, err, ErrMalformedCommand)
	err = ch.PushRequest(cmd(protocol.ActionSetNow, map[string]any{"value": 1}))
	assert.ErrorIs(t, err, ErrMalformedCommand)
}

func TestUnknownActionIsRejected(t *testing.T) {
	out := &fakeOutput{}
	ch, _ := newTestChannel(out, &recorder{})

	err := ch.PushRequest(cmd("dance", nil))
	assert.ErrorIs(t, err, ErrUnknownAction)
	err = ch.PushRequest(cmd(protocol.ActionStartService, nil))
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestShutdownDetachesAndCloses(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, sched := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "x"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionStopService, nil)))
	assert.Equal(t, StateShutdown, ch.State())
	assert.True(t, out.closed)
	assert.Equal(t, 1, out.stops)

	out.listener.OnCompleted()
	settle(t, sched)
	assert.Equal(t, []protocol.Event{protocol.EventStartedSay}, rec.events())
	assert.ErrorIs(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "y"})), ErrChannelShutdown)
}

func TestWatchdogTimesOutStuckOperation(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	sched := NewScheduler()
	now := time.Unix(1000, 0)
	ch := NewChannel(ChannelOptions{
		Output:    out,
		Scheduler: sched,
		Observer:  rec.observe,
		Defaults:  DefaultSettings(),
		Watchdog:  2 * time.Second,
		Logger:    discardLogger(),
		Now:       func() time.Time { return now },
	})

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "stuck", "name": "s"})))
	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "next"})))
	stuck := out.listener

	ch.CheckWatchdog(now.Add(time.Second))
	assert.True(t, ch.Busy())

	ch.CheckWatchdog(now.Add(3 * time.Second))
	assert.Equal(t, 1, out.stops)
	assert.Equal(t, "Output timed out.", rec.last().Get("description"))
	assert.Equal(t, "s", rec.last().Get("name"))
	assert.False(t, ch.Busy())

	stuck.OnCompleted()
	settle(t, sched)
	assert.Equal(t, []string{"stuck", "next"}, out.speaks)
	assert.Equal(t, []protocol.Event{
		protocol.EventStartedSay, protocol.EventError, protocol.EventStartedSay,
	}, rec.events())
}

func TestWatchdogDisabledByDefault(t *testing.T) {
	out := &fakeOutput{}
	rec := &recorder{}
	ch, _ := newTestChannel(out, rec)

	require.NoError(t, ch.PushRequest(cmd(protocol.ActionSay, map[string]any{"text": "x"})))
	ch.CheckWatchdog(time.Now().Add(time.Hour))
	assert.True(t, ch.Busy())
	assert.Equal(t, 0, out.stops)
}
