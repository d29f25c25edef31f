package metrics

import (
	"sync"
	"testing"
)

func TestAtomicMax(t *testing.T) {
	testCases := []struct {
		name     string
		initial  int64
		newVal   int64
		expected int64
	}{
		{"new is larger", 50, 100, 100},
		{"new is smaller", 100, 50, 100},
		{"new is equal", 100, 100, 100},
		{"zero to positive", 0, 100, 100},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			value := tc.initial
			result := AtomicMax(&value, tc.newVal)

			if result != tc.expected {
				t.Errorf("expected %d, got %d", tc.expected, result)
			}
			if value != tc.expected {
				t.Errorf("value expected %d, got %d", tc.expected, value)
			}
		})
	}
}

func TestCounter_MaxConcurrent(t *testing.T) {
	var c Counter

	var wg sync.WaitGroup
	maxValue := int64(10000)

	for i := int64(0); i < maxValue; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			c.Max(v)
		}(i)
	}

	wg.Wait()

	if c.Load() != maxValue-1 {
		t.Errorf("expected %d, got %d", maxValue-1, c.Load())
	}
}

func TestCounter(t *testing.T) {
	c := &Counter{}

	if v := c.Add(10); v != 10 {
		t.Errorf("expected 10, got %d", v)
	}
	if v := c.Load(); v != 10 {
		t.Errorf("expected 10, got %d", v)
	}

	c.Reset()
	if v := c.Load(); v != 0 {
		t.Errorf("expected 0, got %d", v)
	}
}

func TestUCounter_Concurrent(t *testing.T) {
	var c UCounter
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()

	if c.Load() != 10000 {
		t.Errorf("expected 10000, got %d", c.Load())
	}
}

func TestFloat(t *testing.T) {
	var f Float
	if f.Load() != 0 {
		t.Errorf("expected zero value 0, got %v", f.Load())
	}
	f.Store(123.25)
	if f.Load() != 123.25 {
		t.Errorf("expected 123.25, got %v", f.Load())
	}
}

func BenchmarkCounter_MaxContended(b *testing.B) {
	var c Counter

	b.RunParallel(func(pb *testing.PB) {
		var i int64
		for pb.Next() {
			i++
			c.Max(i)
		}
	})
}
