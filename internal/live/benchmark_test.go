package live

import (
	"fmt"
	"sync"
	"testing"
)

func BenchmarkHub_Publish(b *testing.B) {
	for _, subs := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("subscribers_%d", subs), func(b *testing.B) {
			h := NewHub(256, nil)
			var wg sync.WaitGroup
			for i := 0; i < subs; i++ {
				sub, err := h.Subscribe("bench")
				if err != nil {
					b.Fatalf("subscribe: %v", err)
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range sub.Events() {
					}
				}()
			}
			ev := Started("bench")

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				h.Publish("bench", ev)
			}
			b.StopTimer()
			h.Close()
			wg.Wait()
		})
	}
}
