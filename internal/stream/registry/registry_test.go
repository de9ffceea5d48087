package registry

import (
	"reflect"
	"sort"
	"testing"
)

func TestAddTopicsReturnsOnlyNewToWire(t *testing.T) {
	r := New()

	added := r.AddTopics([]Topic{"btcusdt@aggTrade", "ethusdt@aggTrade"})
	assertTopicSet(t, added, []Topic{"btcusdt@aggTrade", "ethusdt@aggTrade"})

	// A redundant subscribe must not produce new wire traffic.
	added = r.AddTopics([]Topic{"btcusdt@aggTrade"})
	if len(added) != 0 {
		t.Fatalf("expected no new-to-wire topics for redundant add, got %v", added)
	}
}

func TestRemoveTopicsReturnsOnlyDropFromWire(t *testing.T) {
	r := New()
	r.AddTopics([]Topic{"btcusdt@aggTrade"})
	r.AddTopics([]Topic{"btcusdt@aggTrade"}) // ref count now 2

	dropped := r.RemoveTopics([]Topic{"btcusdt@aggTrade"})
	if len(dropped) != 0 {
		t.Fatalf("expected no drop-from-wire while ref count > 0, got %v", dropped)
	}

	dropped = r.RemoveTopics([]Topic{"btcusdt@aggTrade"})
	assertTopicSet(t, dropped, []Topic{"btcusdt@aggTrade"})
}

// TestNetEffectEqualsSnapshot checks property P1: for any sequence of
// add/remove calls, after draining, the running net effect (adds minus
// removes, counted by transition) matches the registry's current key set.
func TestNetEffectEqualsSnapshot(t *testing.T) {
	r := New()
	wireState := map[Topic]bool{}

	apply := func(added, dropped []Topic) {
		for _, t := range added {
			wireState[t] = true
		}
		for _, t := range dropped {
			delete(wireState, t)
		}
	}

	apply(r.AddTopics([]Topic{"a", "b", "c"}), nil)
	apply(nil, r.RemoveTopics([]Topic{"b"}))
	apply(r.AddTopics([]Topic{"b", "d"}), nil)
	apply(nil, r.RemoveTopics([]Topic{"a", "d", "d"}))

	var wireKeys []Topic
	for k := range wireState {
		wireKeys = append(wireKeys, k)
	}
	assertTopicSet(t, wireKeys, r.Snapshot())
}

func TestRemoveUnknownTopicIsNoop(t *testing.T) {
	r := New()
	dropped := r.RemoveTopics([]Topic{"never-subscribed"})
	if len(dropped) != 0 {
		t.Fatalf("expected no-op removal, got %v", dropped)
	}
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	r := New()
	r.AddTopics([]Topic{"btcusdt@aggTrade"})
	r.AddTopics([]Topic{"ethusdt@aggTrade"})
	r.AddTopics([]Topic{"bnbusdt@aggTrade"})

	got := r.Snapshot()
	want := []Topic{"btcusdt@aggTrade", "ethusdt@aggTrade", "bnbusdt@aggTrade"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected insertion order %v, got %v", want, got)
	}
}

func assertTopicSet(t *testing.T, got, want []Topic) {
	t.Helper()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("topic sets differ: got %v, want %v", got, want)
	}
}
