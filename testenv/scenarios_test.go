package testenv_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopkit/coopkit/agent"
	"github.com/coopkit/coopkit/agent/state"
	"github.com/coopkit/coopkit/coop"
	"github.com/coopkit/coopkit/disp/activeobj"
	"github.com/coopkit/coopkit/env"
	"github.com/coopkit/coopkit/limiter"
	"github.com/coopkit/coopkit/mbox"
	"github.com/coopkit/coopkit/mchain"
	"github.com/coopkit/coopkit/message"
	"github.com/coopkit/coopkit/testenv"
	"github.com/coopkit/coopkit/timer"
)

type pingSig struct{}
type pongSig struct{}

// TestS1PingPong rehearses spec §8's S1: two agents on active_obj trade
// ping/pong signals, round for round, until the expected count is reached.
// The round count is scaled down from the spec's 100000 for test runtime;
// the mechanism under test (FIFO demand delivery across two active_obj
// agents) does not depend on the exact count.
func TestS1PingPong(t *testing.T) {
	const rounds = 500

	e := env.New(nil)
	binder := activeobj.New("active_obj")
	scenario := testenv.New()

	pinger := e.NewAgent("pinger", nil)
	ponger := e.NewAgent("ponger", nil)

	require.NoError(t, ponger.Subscribe(ponger.DirectMbox(), ponger.State().Current(), message.TypeOf[pingSig](), false, func(payload any) error {
		scenario.Observe(message.TypeOf[pingSig]())
		return pinger.DirectMbox().DoDeliverMessage(mbox.ModeOrdinary, message.NewSignal[pongSig](), 0)
	}))

	done := make(chan struct{})
	count := 0
	require.NoError(t, pinger.Subscribe(pinger.DirectMbox(), pinger.State().Current(), message.TypeOf[pongSig](), false, func(payload any) error {
		scenario.Observe(message.TypeOf[pongSig]())
		count++
		if count >= rounds {
			close(done)
			return nil
		}
		return ponger.DirectMbox().DoDeliverMessage(mbox.ModeOrdinary, message.NewSignal[pingSig](), 0)
	}))

	c := coop.New("ping-pong", nil)
	require.NoError(t, c.AddAgent(pinger, binder))
	require.NoError(t, c.AddAgent(ponger, binder))
	require.NoError(t, c.Register())

	require.NoError(t, ponger.DirectMbox().DoDeliverMessage(mbox.ModeOrdinary, message.NewSignal[pingSig](), 0))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ping/pong did not complete the expected number of rounds")
	}

	assert.Equal(t, rounds, scenario.Count(message.TypeOf[pingSig]()))
	assert.Equal(t, rounds, scenario.Count(message.TypeOf[pongSig]()))

	require.NoError(t, c.Deregister(true))
	binder.Shutdown()
}

type ledOnSig struct{}
type ledOffSig struct{}

// TestS2BlinkingLed rehearses spec §8's S2: a composite "blinking" state
// whose blink_on/blink_off substates alternate via TimeLimit, externally
// toggled between off and blinking. Durations are scaled down from the
// spec's 1250ms/750ms/10s for test runtime.
func TestS2BlinkingLed(t *testing.T) {
	e := env.New(nil)
	scenario := testenv.New()

	root := state.NewRoot("root")
	off, err := state.NewChild(root, "off")
	require.NoError(t, err)
	blinking, err := state.NewChild(root, "blinking")
	require.NoError(t, err)
	blinkOn, err := state.NewChild(blinking, "blink_on")
	require.NoError(t, err)
	blinkOff, err := state.NewChild(blinking, "blink_off")
	require.NoError(t, err)

	blinkOn.OnEnter(func() { scenario.Observe(message.TypeOf[ledOnSig]()) }).TimeLimit(12*time.Millisecond, blinkOff)
	blinkOff.OnEnter(func() { scenario.Observe(message.TypeOf[ledOffSig]()) }).TimeLimit(8*time.Millisecond, blinkOn)

	a := e.NewAgent("led", root)
	c := coop.New("led-coop", nil)
	require.NoError(t, c.AddAgent(a, e.DefaultBinder()))
	require.NoError(t, c.Register())

	require.NoError(t, a.SwitchState(blinkOn))
	time.Sleep(120 * time.Millisecond) // ~6 on/off cycles of 20ms
	onAfterFirstWindow := scenario.Count(message.TypeOf[ledOnSig]())
	assert.Greater(t, onAfterFirstWindow, 2)

	require.NoError(t, a.SwitchState(off))
	time.Sleep(100 * time.Millisecond) // silence while off
	assert.Equal(t, onAfterFirstWindow, scenario.Count(message.TypeOf[ledOnSig]()))

	require.NoError(t, a.SwitchState(blinkOn))
	time.Sleep(80 * time.Millisecond)
	assert.Greater(t, scenario.Count(message.TypeOf[ledOnSig]()), onAfterFirstWindow)

	require.NoError(t, c.Deregister(true))
}

type watchdogTimeout struct{ tag string }

// TestS3Watchdog rehearses spec §8's S3: three watches armed at different
// deltas, the middle one stopped in time, the other two expected to fire in
// order of smallest delta first.
func TestS3Watchdog(t *testing.T) {
	e := env.New(nil)
	binder := activeobj.New("active_obj")

	a := e.NewAgent("watchdog", nil)
	c := coop.New("watchdog-coop", nil)
	require.NoError(t, c.AddAgent(a, binder))
	require.NoError(t, c.Register())

	var mu sync.Mutex
	var order []string
	watches := map[string]timer.ID{}

	require.NoError(t, a.Subscribe(a.DirectMbox(), a.State().Current(), message.TypeOf[watchdogTimeout](), false, func(payload any) error {
		p := payload.(watchdogTimeout)
		mu.Lock()
		order = append(order, p.tag)
		mu.Unlock()
		return nil
	}))

	start := func(tag string, d time.Duration) {
		id, err := e.Timer().SendDelayed(a.DirectMbox(), message.NewImmutable(watchdogTimeout{tag: tag}), d)
		require.NoError(t, err)
		mu.Lock()
		watches[tag] = id
		mu.Unlock()
	}
	stop := func(tag string) {
		mu.Lock()
		id, ok := watches[tag]
		delete(watches, tag)
		mu.Unlock()
		if ok {
			e.Timer().Cancel(id)
		}
	}

	start("a", 50*time.Millisecond)
	start("b", 100*time.Millisecond)
	start("c", 150*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	stop("b")

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	assert.Equal(t, []string{"a", "c"}, got)

	require.NoError(t, c.Deregister(true))
	binder.Shutdown()
}

type dataIn struct{ text string }
type dataOut struct{ text string }

// TestS4OverlimitTransform rehearses spec §8's S4: a quota of 1 on mutable
// data_in lets the first in-flight message through normally; a second
// arriving before the first releases its slot is transformed and redirected
// to another mailbox instead of reaching the original handler.
func TestS4OverlimitTransform(t *testing.T) {
	e := env.New(nil)
	binder := activeobj.New("active_obj")

	var mu sync.Mutex
	var trace []string

	table := limiter.NewTable()
	require.NoError(t, limiter.Define[message.Mutable[dataIn]](table, 1, limiter.Transform(func(payload any) (string, message.Type, any) {
		in := payload.(message.Mutable[dataIn])
		out := &dataOut{text: "<" + in.Payload.text + ">"}
		return "transform-target", message.TypeOf[message.Mutable[dataOut]](), message.Mutable[dataOut]{Payload: out}
	})))

	a := agent.New(agent.WithLimiter(table))
	target := agent.New()

	c := coop.New("overlimit", nil)
	require.NoError(t, c.AddAgent(a, binder))
	require.NoError(t, c.AddAgent(target, binder))
	require.NoError(t, c.Register())

	mb := e.CreateMPSC("data-in-mbox", a, true)
	targetMb := e.CreateMPSC("transform-target", target, true)

	require.NoError(t, a.Subscribe(mb, a.State().Current(), message.TypeOf[message.Mutable[dataIn]](), false, func(payload any) error {
		in := payload.(message.Mutable[dataIn])
		mu.Lock()
		trace = append(trace, "initial:"+in.Payload.text)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, target.Subscribe(targetMb, target.State().Current(), message.TypeOf[message.Mutable[dataOut]](), false, func(payload any) error {
		out := payload.(message.Mutable[dataOut])
		mu.Lock()
		trace = append(trace, "transformed:"+out.Payload.text)
		mu.Unlock()
		return nil
	}))

	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewMutable(&dataIn{text: "hello"}), 0))
	require.NoError(t, mb.DoDeliverMessage(mbox.ModeOrdinary, message.NewMutable(&dataIn{text: "bye"}), 0))

	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	got := append([]string(nil), trace...)
	mu.Unlock()
	assert.Equal(t, []string{"initial:hello", "transformed:<bye>"}, got)

	require.NoError(t, c.Deregister(true))
	binder.Shutdown()
}

// TestS5ChainFibonacci rehearses spec §8's S5: a size-1 bounded chain
// backpressures a producer goroutine generating Fibonacci numbers while a
// reader drains 10 values, then a context cancellation ("quit") unblocks
// and exits the producer cleanly.
func TestS5ChainFibonacci(t *testing.T) {
	ch := mchain.New(mchain.Config{Capacity: 1, Overflow: mchain.OverflowWaitUntil})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		a, b := 0, 1
		for {
			if err := ch.Send(ctx, message.NewImmutable(a)); err != nil {
				return
			}
			a, b = b, a+b
		}
	}()

	want := []int{0, 1, 1, 2, 3, 5, 8, 13, 21, 34}
	got := make([]int, 0, len(want))
	for range want {
		box, ok := ch.Receive(context.Background())
		require.True(t, ok)
		got = append(got, box.Payload.(int))
	}
	assert.Equal(t, want, got)

	cancel()
	ch.Close(mchain.CloseDropContent)
}

type busData struct{ key int }

// TestS6DeadLetterAndDeregister rehearses spec §8's S6: a child cooperation
// subscribes a filtered handler (key == 1) on a shared mailbox; after the
// child deregisters, further matching sends are no longer delivered to it
// (silently dropped, the accepted alternative to dead-lettering named by
// the scenario).
func TestS6DeadLetterAndDeregister(t *testing.T) {
	e := env.New(nil)
	binder := activeobj.New("active_obj")

	bus := e.CreateMPMC("data-bus", true)

	var mu sync.Mutex
	var childReceived []int
	var deadLettered []int
	bus.SetDeadLetterHandler(func(box message.Box, id mbox.ID, msgType message.Type) {
		d := box.Payload.(busData)
		mu.Lock()
		deadLettered = append(deadLettered, d.key)
		mu.Unlock()
	})

	parentCoop := coop.New("parent", nil)
	childCoop := coop.New("child", parentCoop)
	require.NoError(t, parentCoop.Register())

	child := agent.New()
	require.NoError(t, child.Subscribe(bus, child.State().Current(), message.TypeOf[busData](), false, func(payload any) error {
		d := payload.(busData)
		mu.Lock()
		childReceived = append(childReceived, d.key)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, bus.SetDeliveryFilter(message.TypeOf[busData](), child, func(payload any) bool {
		return payload.(busData).key == 1
	}))

	require.NoError(t, childCoop.AddAgent(child, binder))
	require.NoError(t, childCoop.Register())

	send := func(key int) {
		require.NoError(t, bus.DoDeliverMessage(mbox.ModeOrdinary, message.NewImmutable(busData{key: key}), 0))
	}
	send(0)
	send(1)
	send(2)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, childCoop.Deregister(true))
	time.Sleep(10 * time.Millisecond)

	send(0)
	send(1)
	send(2)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1}, childReceived)
	assert.Empty(t, deadLettered)

	binder.Shutdown()
}
