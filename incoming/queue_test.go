package incoming

import (
	"sync"
	"testing"
)

func TestSerialQueueRunsTasksInOrder(t *testing.T) {
	q := newSerialQueue(8)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		i := i
		q.Enqueue(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want strictly increasing", order)
		}
	}
}

func TestSerialQueueCloseWaitsForDrain(t *testing.T) {
	q := newSerialQueue(8)
	done := false
	q.Enqueue(func() { done = true })
	q.Close()
	if !done {
		t.Fatal("expected Close to wait for enqueued task to run")
	}
}
