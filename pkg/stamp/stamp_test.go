package stamp

import (
	"fmt"
	"sync"
	"testing"
)

func TestCache_Lookup(t *testing.T) {
	var c Cache[string]
	if _, ok := c.Lookup("a", 1); ok {
		t.Errorf("Lookup on empty cache succeeded")
	}

	c.Put("a", 1, "one")
	if v, ok := c.Lookup("a", 1); !ok || v != "one" {
		t.Errorf("Lookup(a, 1) = %q, %v, want one, true", v, ok)
	}
	if _, ok := c.Lookup("a", 2); ok {
		t.Errorf("Lookup(a, 2) succeeded with stale stamp")
	}

	c.Put("a", 2, "two")
	if v, ok := c.Lookup("a", 2); !ok || v != "two" {
		t.Errorf("Lookup(a, 2) = %q, %v after replacement", v, ok)
	}
	if s, _ := c.Get("a"); s.Stamp != 2 {
		t.Errorf("Get(a).Stamp = %d, want 2", s.Stamp)
	}
}

func TestCache_Evict(t *testing.T) {
	var c Cache[int]
	c.Put("a", 1, 1)
	c.Put("b", 1, 2)
	c.Evict("a")
	c.Evict("nonexistent")
	if _, ok := c.Get("a"); ok {
		t.Errorf("a still present after Evict")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestCache_ConcurrentPut(t *testing.T) {
	var c Cache[int]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprint(i % 5)
			c.Put(name, 7, i)
			c.Lookup(name, 7)
		}(i)
	}
	wg.Wait()
	if c.Len() != 5 {
		t.Errorf("Len() = %d, want 5", c.Len())
	}
}
