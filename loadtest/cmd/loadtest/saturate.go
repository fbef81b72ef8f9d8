package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/party-app/loadtest/client"
	"github.com/whisper/party-app/loadtest/stats"
)

// runSaturate opens the requested number of connections over the ramp-up
// period, holds them while counting drops, then closes them. It finds the
// connection capacity of a gateway before it starts rejecting or dropping
// players. Run the gateway with PARTY_CONNECT_LIMIT=0.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	_ = fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)
	keep := func(_ context.Context, c *client.Client) error {
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
		return nil
	}

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	interrupted := rampConnections(ctx, *url, *connections, *rampUp, *concurrency, collector, keep)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		initial := len(clients)
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := countAlive(clients)
				dropped = initial - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
		dropped = initial - countAlive(clients)
	}

	closeAll(clients)
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// rampConnections opens n connections spread over rampUp with at most
// concurrency dials in flight. Each connection that completes the session
// handshake is passed to accept; connections accept rejects are closed and
// counted as errors. It reports whether ctx ended the ramp early.
func rampConnections(
	ctx context.Context,
	url string,
	n int,
	rampUp time.Duration,
	concurrency int,
	collector *stats.Collector,
	accept func(context.Context, *client.Client) error,
) bool {
	stopProgress := watchRamp(collector, n)
	defer stopProgress()

	dial := func() {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.New(connCtx, url)
		if err == nil {
			err = c.WaitForSession(connCtx)
			if err == nil {
				err = accept(connCtx, c)
			}
			if err != nil {
				c.Close()
			}
		}
		if err != nil {
			collector.AddError()
			return
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
	}

	var g errgroup.Group
	g.SetLimit(max(concurrency, 1))
	pace := time.NewTicker(max(rampUp/time.Duration(max(n, 1)), time.Millisecond))
	defer pace.Stop()

	interrupted := false
	for launched := 0; launched < n; launched++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-pace.C:
			g.Go(func() error {
				dial()
				return nil
			})
		}
		if interrupted {
			break
		}
	}
	_ = g.Wait()
	return interrupted
}

// watchRamp prints connection progress every second until the returned
// function is called.
func watchRamp(collector *stats.Collector, target int) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		prev, prevAt := 0, time.Now()
		for {
			select {
			case <-done:
				return
			case now := <-tick.C:
				cur := collector.ConnectionCount()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					cur, target, collector.ErrorCount(), float64(cur-prev)/now.Sub(prevAt).Seconds())
				prev, prevAt = cur, now
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func countAlive(clients []*client.Client) int {
	alive := 0
	for _, c := range clients {
		if c.Alive() {
			alive++
		}
	}
	return alive
}

func closeAll(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
