// Package tui implements the live introspection dashboard of spec §4.13's
// "operator view": a termui terminal UI that polls a coop.Coop tree and a
// set of dispatcher stats.Registry instances and redraws them on a fixed
// tick, following the same poll-then-render loop the teacher's runtime
// status pages use for PromQL gauges.
package tui

import (
	"fmt"
	"strings"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/coopkit/coopkit/coop"
	"github.com/coopkit/coopkit/introspect"
	"github.com/coopkit/coopkit/stats"
)

// DispatcherSource names a dispatcher whose stats.Registry should be
// rendered alongside the cooperation tree.
type DispatcherSource struct {
	Name     string
	Registry *stats.Registry
}

// Dashboard is a running termui screen. Call Run to block until Stop or a
// 'q'/Ctrl-C keypress closes it.
type Dashboard struct {
	root        *coop.Coop
	dispatchers []DispatcherSource
	tick        time.Duration
	stop        chan struct{}
}

// New builds a Dashboard rooted at root, sampling every dispatcher in
// dispatchers on every tick.
func New(root *coop.Coop, dispatchers []DispatcherSource, tick time.Duration) *Dashboard {
	if tick <= 0 {
		tick = time.Second
	}
	return &Dashboard{root: root, dispatchers: dispatchers, tick: tick, stop: make(chan struct{})}
}

// Stop requests the dashboard's Run loop to exit.
func (d *Dashboard) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

// Run initializes the terminal, redraws the dashboard every tick, and
// blocks until Stop is called or the user presses 'q' / Ctrl-C.
func (d *Dashboard) Run() error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("tui: init terminal: %w", err)
	}
	defer ui.Close()

	tree := widgets.NewParagraph()
	tree.Title = "Cooperation Tree"

	disp := widgets.NewParagraph()
	disp.Title = "Dispatcher Stats"

	w, h := ui.TerminalDimensions()
	tree.SetRect(0, 0, w/2, h)
	disp.SetRect(w/2, 0, w, h)

	render := func() {
		tree.Text = renderCoopTree(introspect.CoopTree(d.root), 0)
		disp.Text = renderDispatcherStats(d.dispatchers)
		ui.Render(tree, disp)
	}
	render()

	events := ui.PollEvents()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return nil
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				tree.SetRect(0, 0, payload.Width/2, payload.Height)
				disp.SetRect(payload.Width/2, 0, payload.Width, payload.Height)
				render()
			}
		case <-ticker.C:
			render()
		}
	}
}

func renderCoopTree(n introspect.CoopNode, depth int) string {
	var b strings.Builder
	indent := strings.Repeat("  ", depth)
	status := "stopped"
	if n.Registered {
		status = "registered"
	}
	fmt.Fprintf(&b, "%s%s [%s] agents=%d\n", indent, n.Name, status, n.AgentCount)
	for _, c := range n.Children {
		b.WriteString(renderCoopTree(c, depth+1))
	}
	return b.String()
}

func renderDispatcherStats(sources []DispatcherSource) string {
	var b strings.Builder
	for _, s := range sources {
		snap := introspect.SnapshotDispatcher(s.Name, s.Registry)
		fmt.Fprintf(&b, "%s:\n", snap.Name)
		for k, v := range snap.Samples {
			fmt.Fprintf(&b, "  %s = %d\n", k, v)
		}
	}
	return b.String()
}
