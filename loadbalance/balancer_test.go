package loadbalance

import (
	"testing"

	"sync-rpc/discovery"
)

func endpoints(addrs ...string) []discovery.Endpoint {
	eps := make([]discovery.Endpoint, 0, len(addrs))
	for _, a := range addrs {
		eps = append(eps, discovery.Endpoint{Addr: a, Transport: "tcp", Weight: 1})
	}
	return eps
}

func TestRoundRobinEvenSpread(t *testing.T) {
	b := &RoundRobinBalancer{}
	eps := endpoints("10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.3:9000")

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		ep, err := b.Pick(eps)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		counts[ep.Addr]++
	}
	for addr, n := range counts {
		if n != 100 {
			t.Errorf("endpoint %s picked %d times, want 100", addr, n)
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); err == nil {
		t.Fatal("expected error for empty endpoint list")
	}
}

func TestWeightedRandomRespectsWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	eps := []discovery.Endpoint{
		{Addr: "heavy:9000", Weight: 9},
		{Addr: "light:9000", Weight: 1},
	}

	counts := map[string]int{}
	for i := 0; i < 5000; i++ {
		ep, err := b.Pick(eps)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		counts[ep.Addr]++
	}

	// With 9:1 weights the heavy endpoint should dominate. Allow slack
	// for randomness.
	if counts["heavy:9000"] < 4000 {
		t.Errorf("heavy endpoint picked %d/5000 times, want >= 4000", counts["heavy:9000"])
	}
	if counts["light:9000"] == 0 {
		t.Error("light endpoint never picked")
	}
}

func TestWeightedRandomZeroWeightTreatedAsOne(t *testing.T) {
	b := &WeightedRandomBalancer{}
	eps := []discovery.Endpoint{{Addr: "only:9000", Weight: 0}}

	ep, err := b.Pick(eps)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if ep.Addr != "only:9000" {
		t.Errorf("got %s, want only:9000", ep.Addr)
	}
}
