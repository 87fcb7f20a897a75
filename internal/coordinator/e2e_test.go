package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/FrimJo/spell-coven-mono-sub001/internal/attach"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/media"
	"github.com/FrimJo/spell-coven-mono-sub001/internal/recorder"
)

// screen attaches a node's visible streams to one element per peer, the way a
// video grid re-renders on every change.
type screen struct {
	t        *testing.T
	n        *node
	attacher *attach.Attacher
	elements map[string]*recorder.Element
}

func newScreen(t *testing.T, n *node) *screen {
	return &screen{t: t, n: n, attacher: attach.New(), elements: make(map[string]*recorder.Element)}
}

func (s *screen) render() {
	streams := s.n.c.VisibleStreams()
	for id, stream := range streams {
		el, ok := s.elements[id]
		if !ok {
			el = recorder.NewElement("", id)
			s.elements[id] = el
		}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if _, err := s.attacher.Attach(ctx, id, el, stream); err != nil {
			s.t.Logf("%s: attach %s: %v", s.n.id, id, err)
		}
		cancel()
	}
	for _, id := range s.attacher.Bound() {
		if _, ok := streams[id]; !ok {
			s.attacher.Detach(id)
		}
	}
}

func TestFourPeersEndToEnd(t *testing.T) {
	r := newRoom(t)
	alice := r.join("alice")
	bob := r.join("bob")
	carol := r.join("carol", media.WithVideoOff())
	dave := r.join("dave")
	nodes := []*node{alice, bob, carol, dave}

	waitFor(t, "full mesh", func() bool { return r.meshed(nodes...) })

	for _, n := range nodes {
		for _, other := range nodes {
			if other == n {
				continue
			}
			waitFor(t, n.id+" hears "+other.id, func() bool {
				s := n.c.RemoteStreams()[other.id]
				return s != nil && s.Audio() != nil
			})
			if other == carol {
				waitFor(t, n.id+" sees carol's camera off", func() bool {
					st, ok := n.c.TrackStates()["carol"]
					return ok && !st.VideoEnabled && st.AudioEnabled
				})
				continue
			}
			waitFor(t, n.id+" sees "+other.id, func() bool {
				s := n.c.RemoteStreams()[other.id]
				st := n.c.TrackStates()[other.id]
				return s.Video() != nil && st.VideoEnabled
			})
		}
	}

	grid := newScreen(t, alice)
	grid.render()
	for _, id := range []string{"bob", "dave"} {
		el := grid.elements[id]
		waitFor(t, "alice plays "+id, el.Playing)
	}
	before := grid.elements["bob"].Source()
	grid.render()
	if grid.elements["bob"].Source() != before {
		t.Error("re-render reattached an unchanged stream")
	}

	// carol turns her camera on
	if err := carol.c.ToggleLocalVideo(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice sees carol's camera", func() bool {
		s := alice.c.RemoteStreams()["carol"]
		return s != nil && s.Video() != nil && alice.c.TrackStates()["carol"].VideoEnabled
	})

	// bob turns his camera off: his video is unmounted, his audio keeps playing
	if err := bob.c.ToggleLocalVideo(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	for _, n := range []*node{alice, carol, dave} {
		waitFor(t, n.id+" sees bob's camera off", func() bool {
			st := n.c.TrackStates()["bob"]
			return !st.VideoEnabled && st.AudioEnabled
		})
	}
	bobEl := grid.elements["bob"]
	waitFor(t, "bob's video element unmounted", func() bool {
		grid.render()
		src := bobEl.Source()
		return src != nil && src.Video() == nil && src.Audio() != nil
	})
	waitFor(t, "alice still hears bob", bobEl.Playing)

	if err := bob.c.ToggleLocalVideo(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob's video element remounted", func() bool {
		grid.render()
		src := bobEl.Source()
		return src != nil && src.Video() != nil && bobEl.Playing()
	})

	dave.leave()
	waitFor(t, "mesh without dave", func() bool { return r.meshed(alice, bob, carol) })
	grid.render()
	if src := grid.elements["dave"].Source(); src != nil {
		t.Error("dave's element still attached after he left")
	}
	for _, id := range grid.attacher.Bound() {
		if id == "dave" {
			t.Error("dave still bound")
		}
	}
}

func TestReloadEndToEnd(t *testing.T) {
	r := newRoom(t)
	alice := r.join("alice")
	bob := r.join("bob")
	carol := r.join("carol")
	waitFor(t, "mesh", func() bool { return r.meshed(alice, bob, carol) })
	waitFor(t, "bob's video at alice", func() bool {
		s := alice.c.RemoteStreams()["bob"]
		return s != nil && s.Video() != nil
	})

	grid := newScreen(t, alice)
	grid.render()
	first := alice.c.RemoteStreams()["bob"]

	bob.leave()
	bob = r.join("bob")
	waitFor(t, "mesh after reload", func() bool { return r.meshed(alice, bob, carol) })
	waitFor(t, "bob's new video", func() bool {
		s := alice.c.RemoteStreams()["bob"]
		return s != nil && s != first && s.Video() != nil
	})

	grid.render()
	el := grid.elements["bob"]
	waitFor(t, "alice plays reloaded bob", func() bool {
		return el.Source() == alice.c.RemoteStreams()["bob"] && el.Playing()
	})
	for _, id := range []string{"alice", "carol"} {
		if live := r.net.Live(id, "bob"); live != 1 {
			t.Errorf("%s has %d live connections to bob", id, live)
		}
	}
}
