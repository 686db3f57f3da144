package mainloop_test

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-mainloop/mainloop"
)

// Example_basicUsage demonstrates running a loop until a timeout source
// quits it.
func Example_basicUsage() {
	c, err := mainloop.NewContext(mainloop.WithName("example"))
	if err != nil {
		fmt.Printf("Failed to create context: %v\n", err)
		return
	}
	defer c.Close()

	loop := mainloop.NewMainLoop(c, false)

	// Idle sources only run when nothing more urgent is ready
	c.IdleAdd(func() bool {
		fmt.Println("Idle executed")
		return mainloop.SourceRemove
	})

	ticks := 0
	c.TimeoutAdd(10, func() bool {
		ticks++
		fmt.Printf("Tick %d\n", ticks)
		if ticks == 3 {
			loop.Quit()
			return mainloop.SourceRemove
		}
		return mainloop.SourceContinue
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		fmt.Printf("Loop exited with: %v\n", err)
	}

	fmt.Println("Done")

	// Output:
	// Idle executed
	// Tick 1
	// Tick 2
	// Tick 3
	// Done
}

// Example_priorities demonstrates that more urgent sources are dispatched
// first, while less urgent ones wait.
func Example_priorities() {
	c, err := mainloop.NewContext()
	if err != nil {
		fmt.Printf("Failed to create context: %v\n", err)
		return
	}
	defer c.Close()

	c.IdleAddFull(mainloop.PriorityLow, func() bool {
		fmt.Println("low")
		return mainloop.SourceRemove
	}, nil)
	c.IdleAddFull(mainloop.PriorityHigh, func() bool {
		fmt.Println("high")
		return mainloop.SourceRemove
	}, nil)
	c.IdleAddFull(mainloop.PriorityDefault, func() bool {
		fmt.Println("default")
		return mainloop.SourceRemove
	}, nil)

	for c.Iteration(false) {
	}

	// Output:
	// high
	// default
	// low
}

// ExampleMainContext_Invoke demonstrates calling a function on the goroutine
// running a loop.
func ExampleMainContext_Invoke() {
	c, err := mainloop.NewContext()
	if err != nil {
		fmt.Printf("Failed to create context: %v\n", err)
		return
	}
	defer c.Close()

	loop := mainloop.NewMainLoop(c, false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(context.Background())
	}()

	result := make(chan string)
	c.Invoke(func() bool {
		result <- fmt.Sprintf("owner: %v", c.IsOwner())
		loop.Quit()
		return mainloop.SourceRemove
	})
	fmt.Println(<-result)
	<-done

	// Output:
	// owner: true
}
