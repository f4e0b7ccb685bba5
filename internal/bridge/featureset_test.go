package bridge

import (
	"testing"
	"time"
)

func TestDTMFHookPrefixThenExactMatch(t *testing.T) {
	fs := NewFeatureSet()
	var fired string
	fs.AddDTMFHook(&DTMFHook{
		Code: "*2",
		Callback: func(c *BridgeChannel, collected string) HookAction {
			fired = collected
			return HookKeep
		},
	})

	if _, ok := fs.MatchExact("*"); ok {
		t.Fatal("\"*\" should not exact-match \"*2\"")
	}
	if !fs.MatchesPrefix("*") {
		t.Fatal("\"*\" should prefix-match \"*2\"")
	}

	hook, ok := fs.MatchExact("*2")
	if !ok {
		t.Fatal("expected exact match for \"*2\"")
	}
	hook.Callback(nil, "*2")
	if fired != "*2" {
		t.Fatalf("callback did not receive collected digits: got %q", fired)
	}
}

func TestDTMFHookDuplicateCodeReplaces(t *testing.T) {
	fs := NewFeatureSet()
	fs.AddDTMFHook(&DTMFHook{Code: "12", Pvt: "first"})
	fs.AddDTMFHook(&DTMFHook{Code: "12", Pvt: "second"})

	hook, ok := fs.MatchExact("12")
	if !ok {
		t.Fatal("expected match")
	}
	if hook.Pvt != "second" {
		t.Fatalf("expected duplicate to replace, got pvt=%v", hook.Pvt)
	}
}

func TestDTMFHookMatchIsCaseInsensitive(t *testing.T) {
	fs := NewFeatureSet()
	fs.AddDTMFHook(&DTMFHook{Code: "*A"})
	if _, ok := fs.MatchExact("*a"); !ok {
		t.Fatal("expected case-insensitive match")
	}
}

func TestIntervalHookOrderingAndNextTrip(t *testing.T) {
	fs := NewFeatureSet()
	base := time.Now()

	var order []string
	mk := func(name string, ms int) {
		fs.mu.Lock()
		fs.seq++
		h := &IntervalHook{
			Callback: func(c *BridgeChannel) IntervalAction {
				order = append(order, name)
				return IntervalKeep
			},
			IntervalMS: ms,
			TripTime:   base.Add(time.Duration(ms) * time.Millisecond),
			Seq:        fs.seq,
		}
		fs.intervalHeap.Push(h)
		fs.mu.Unlock()
	}
	mk("c", 300)
	mk("a", 100)
	mk("b", 200)

	due := fs.PopDueIntervalHooks(base.Add(250 * time.Millisecond))
	for _, h := range due {
		h.Callback(nil)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected [a b] due by 250ms, got %v", order)
	}

	next, ok := fs.NextIntervalTrip()
	if !ok || !next.Equal(base.Add(300*time.Millisecond)) {
		t.Fatalf("expected remaining hook trip at +300ms, got %v ok=%v", next, ok)
	}
}

func TestIntervalHookRescheduleBoundsSlackToOnePeriod(t *testing.T) {
	fs := NewFeatureSet()
	base := time.Now()
	h := &IntervalHook{IntervalMS: 100, TripTime: base}

	// "now" is 3.5 periods past the old trip time: slack must be bounded
	// to less than one period, not allowed to compound.
	now := base.Add(350 * time.Millisecond)
	fs.Reschedule(h, now)

	elapsedSlack := h.TripTime.Sub(now)
	if elapsedSlack < 0 || elapsedSlack > 100*time.Millisecond {
		t.Fatalf("reschedule produced slack outside one period: new trip %v is %v from now", h.TripTime, elapsedSlack)
	}
}

func TestFeatureSetMergeIsIdempotentAgainstEmpty(t *testing.T) {
	fs := NewFeatureSet()
	fs.AddDTMFHook(&DTMFHook{Code: "*1"})
	fs.Mute = true
	fs.Flags |= ChanFlagLonely

	empty := NewFeatureSet()
	fs.Merge(empty)

	if _, ok := fs.MatchExact("*1"); !ok {
		t.Fatal("merge with empty set should not lose existing hooks")
	}
	if !fs.Mute || fs.Flags&ChanFlagLonely == 0 {
		t.Fatal("merge with empty set should not clear existing flags")
	}
}

func TestFeatureSetMergeConcatenatesAndOrsFlags(t *testing.T) {
	a := NewFeatureSet()
	a.Flags |= ChanFlagLonely

	b := NewFeatureSet()
	b.AddDTMFHook(&DTMFHook{Code: "#9"})
	b.DTMFPassthrough = true
	b.Flags |= ChanFlagMute

	a.Merge(b)

	if _, ok := a.MatchExact("#9"); !ok {
		t.Fatal("expected merged-in DTMF hook")
	}
	if !a.DTMFPassthrough {
		t.Fatal("expected DTMFPassthrough OR'ed in")
	}
	if a.Flags&ChanFlagLonely == 0 || a.Flags&ChanFlagMute == 0 {
		t.Fatal("expected both flag bits present after merge")
	}
}
