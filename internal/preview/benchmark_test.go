package preview

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"testing"
	"time"

	"sketchbook/internal/render"
)

func BenchmarkCache_Put(b *testing.B) {
	c := newTestCache(b, 5)
	pages := []render.Page{pngPage(b, 300, 200, color.White)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Put("bench", pages, Record{Duration: time.Millisecond}); err != nil {
			b.Fatalf("put: %v", err)
		}
	}
}

func BenchmarkCache_PageHot(b *testing.B) {
	c := newTestCache(b, 5)
	v, err := c.Put("bench", []render.Page{pngPage(b, 300, 200, color.White)}, Record{})
	if err != nil {
		b.Fatalf("put: %v", err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, _, err := c.Page("bench", v.Number, 1); err != nil {
				b.Fatalf("page: %v", err)
			}
		}
	})
}

func BenchmarkCoordinator_ConcurrentTriggers(b *testing.B) {
	interp := fakeInterpreter{pages: []render.Page{pngPage(b, 60, 40, color.Black)}}

	for _, conc := range []int{1, 10, 50} {
		b.Run(fmt.Sprintf("concurrent_%d", conc), func(b *testing.B) {
			coord, _, _ := newCoordinator(b, &fakeExecutor{}, interp)
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				var wg sync.WaitGroup
				wg.Add(conc)
				for j := 0; j < conc; j++ {
					go func() {
						defer wg.Done()
						_, _ = coord.Trigger(ctx, Request{Sketch: "bench"})
					}()
				}
				wg.Wait()
			}
		})
	}
}
