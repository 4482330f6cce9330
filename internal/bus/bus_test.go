package bus

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPublishFansOut(t *testing.T) {
	b := New(Options{SubscriberBuffer: 4}, nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	b.Publish("a")
	b.Publish("b")
	for _, s := range []*Subscription{s1, s2} {
		for _, want := range []string{"a", "b"} {
			got := <-s.C()
			if got != want {
				t.Fatalf("got %v want %s", got, want)
			}
		}
	}
	if n := b.Subscribers(); n != 2 {
		t.Fatalf("subscribers: %d", n)
	}
}

func TestSubscribeFuncFilters(t *testing.T) {
	b := New(Options{}, nil)
	ints := b.SubscribeFunc(func(m any) bool {
		_, ok := m.(int)
		return ok
	})
	defer ints.Close()

	b.Publish("skip")
	b.Publish(7)
	if got := <-ints.C(); got != 7 {
		t.Fatalf("got %v", got)
	}
	select {
	case m := <-ints.C():
		t.Fatalf("unexpected %v", m)
	default:
	}
}

func TestFullBufferDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := New(Options{SubscriberBuffer: 1}, reg)
	s := b.Subscribe()
	defer s.Close()

	b.Publish(1)
	b.Publish(2)
	b.Publish(3)
	if s.Dropped() != 2 {
		t.Fatalf("dropped: %d", s.Dropped())
	}
	if v := testutil.ToFloat64(b.dropped); v != 2 {
		t.Fatalf("dropped counter: %v", v)
	}
	if v := testutil.ToFloat64(b.published); v != 3 {
		t.Fatalf("published counter: %v", v)
	}
	if got := <-s.C(); got != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	b := New(Options{}, nil)
	s := b.Subscribe()
	s.Close()
	s.Close()

	if _, ok := <-s.C(); ok {
		t.Fatalf("channel should be closed")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers: %d", b.Subscribers())
	}
	b.Publish("after close")
}

func TestPublishRacesClose(t *testing.T) {
	b := New(Options{SubscriberBuffer: 8}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		s := b.Subscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(j)
			}
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	b.Close()
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers: %d", b.Subscribers())
	}
}
