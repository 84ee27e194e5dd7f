package neon_test

import (
	"context"
	"fmt"

	"github.com/nradulovic/neon-kernel-sub000"
	"github.com/nradulovic/neon-kernel-sub000/simport"
)

// A producer thread signals a semaphore; a higher-priority consumer
// preempts it on every signal. Strict priority scheduling makes the
// interleaving deterministic.
func Example() {
	port := simport.New()
	k, err := neon.New(neon.WithPort(port))
	if err != nil {
		panic(err)
	}

	var sem neon.Sem
	k.SemInit(&sem, 0)

	finished := make(chan struct{})

	var consumer, producer neon.Thread
	k.ThreadInit(&consumer, func(any) {
		for i := 0; i < 3; i++ {
			if err := sem.Wait(); err != nil {
				return
			}
			fmt.Println(`consumed`, i)
		}
		close(finished)
	}, nil, make([]byte, neon.MinStackSize), 10)
	k.ThreadInit(&producer, func(any) {
		for i := 0; i < 3; i++ {
			sem.Signal() // the consumer preempts immediately
		}
	}, nil, make([]byte, neon.MinStackSize), 5)

	go func() { _ = k.Run(context.Background()) }()
	<-finished
	_ = k.Shutdown(context.Background())

	// Output:
	// consumed 0
	// consumed 1
	// consumed 2
}
