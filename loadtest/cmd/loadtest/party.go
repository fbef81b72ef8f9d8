package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/party-app/internal/matching"
	"github.com/whisper/party-app/internal/profile"
	"github.com/whisper/party-app/internal/protocol"
	"github.com/whisper/party-app/loadtest/client"
	"github.com/whisper/party-app/loadtest/stats"
)

// Latency series reported by the party test.
const (
	seriesQueued  = "Time to queue_joined"
	seriesOffer   = "Time to offer_found"
	seriesStarted = "Time to match_started"
)

// rolePattern cycles players through roles in party proportions.
var rolePattern = []matching.Role{matching.RoleTank, matching.RoleDPS, matching.RoleDPS, matching.RoleHealer}

// runParty drives the full matchmaking flow. Every player connects, gets a
// seeded profile, joins an activity queue under a role, answers offers and
// finishes on match_started, a terminal cancellation or a queue timeout.
//
// Run the gateway with PARTY_CONNECT_LIMIT=0; declines count toward the
// per-IP lockout, so keep -decline-rate low.
func runParty(args []string) {
	fs := flag.NewFlagSet("party", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	redisAddr := fs.String("redis", "localhost:6379", "Redis address used to seed player profiles")
	players := fs.Int("players", 400, "Number of players")
	activities := fs.String("activities", "trial-a", "Comma-separated activity ids to spread players across")
	levels := fs.String("levels", "10-14", "Inclusive level band for seeded profiles")
	declineRate := fs.Float64("decline-rate", 0, "Fraction of offers declined (0..1)")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	timeout := fs.Duration("timeout", 6*time.Minute, "Per-player deadline for reaching a terminal outcome")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURLs := fs.String("metrics-urls", "http://localhost:8080/metrics,http://localhost:9100/metrics",
		"Comma-separated Prometheus endpoints of the gateway and matcher")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	_ = fs.Parse(args)

	minLevel, maxLevel, err := parseLevels(*levels)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -levels: %v\n", err)
		os.Exit(2)
	}
	activityIDs := splitList(*activities)
	if len(activityIDs) == 0 {
		fmt.Fprintln(os.Stderr, "-activities must name at least one activity")
		os.Exit(2)
	}

	fmt.Printf("Party test: %d players to %s (activities=%v, levels=%d-%d, decline-rate=%.2f, ramp=%s, timeout=%s)\n",
		*players, *url, activityIDs, minLevel, maxLevel, *declineRate, *rampUp, *timeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	profiles := profile.NewStore(rdb, time.Hour)

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*scrapeInterval, splitList(*metricsURLs)...)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect and seed profiles
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect players ---")

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *players)
	connect := func(ctx context.Context, c *client.Client) error {
		sid := c.SessionID()
		snap := profile.Snapshot{
			Level:       minLevel + rand.IntN(maxLevel-minLevel+1),
			DisplayName: "load-" + sid[:8],
		}
		if err := profiles.Put(ctx, sid, snap); err != nil {
			return err
		}
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
		return nil
	}
	rampStart := time.Now()
	interrupted := rampConnections(ctx, *url, *players, *rampUp, *concurrency, collector, connect)
	fmt.Printf("\nPhase 1 complete: %d/%d players in %s (%d errors)\n",
		len(clients), *players, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted, skipping matchmaking.")
		closeAll(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: join queues and play out offers
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Matchmaking ---")

	var started, finished atomic.Int64
	var wg sync.WaitGroup
	joinStart := time.Now()

	for i, c := range clients {
		p := &player{
			c:           c,
			activityID:  activityIDs[i%len(activityIDs)],
			role:        rolePattern[(i/len(activityIDs))%len(rolePattern)],
			declineRate: *declineRate,
			collector:   collector,
			joined:      time.Now(),
			done:        make(chan struct{}),
		}
		p.register(&started)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer finished.Add(1)

			timer := time.NewTimer(*timeout)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				collector.Inc("outcome:deadline")
				collector.AddError()
			case <-ctx.Done():
			}
		}()

		if err := c.JoinQueue(p.activityID, p.role.String()); err != nil {
			collector.AddError()
		}
	}

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [party] started: %d  finished: %d/%d  errors: %d\n",
					started.Load(), finished.Load(), len(clients), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	wg.Wait()
	close(progressStop)
	elapsed := time.Since(joinStart)

	fmt.Printf("\n--- Party Results ---\n")
	fmt.Printf("Players started:   %d / %d\n", started.Load(), len(clients))
	fmt.Printf("Parties started:   ~%d\n", started.Load()/matching.PartySize)
	fmt.Printf("Matchmaking time:  %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Throughput:        %.1f players/s\n", float64(started.Load())/elapsed.Seconds())
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report()
}

// player follows one client through the matchmaking flow.
type player struct {
	c           *client.Client
	activityID  string
	role        matching.Role
	declineRate float64
	collector   *stats.Collector

	joined   time.Time
	done     chan struct{}
	doneOnce sync.Once
}

func (p *player) finish(outcome string) {
	p.doneOnce.Do(func() {
		p.collector.Inc("outcome:" + outcome)
		close(p.done)
	})
}

func (p *player) register(started *atomic.Int64) {
	p.c.On(protocol.TypeQueueJoined, func(json.RawMessage) {
		p.collector.AddLatency(seriesQueued, time.Since(p.joined))
	})
	p.c.On(protocol.TypeOfferFound, func(raw json.RawMessage) {
		p.collector.AddLatency(seriesOffer, time.Since(p.joined))
		var msg protocol.OfferFoundMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.collector.AddError()
			return
		}
		if rand.Float64() < p.declineRate {
			_ = p.c.DeclineOffer(msg.OfferID)
			p.finish("declined")
			return
		}
		_ = p.c.AcceptOffer(msg.OfferID)
	})
	p.c.On(protocol.TypeMatchStarted, func(json.RawMessage) {
		p.collector.AddLatency(seriesStarted, time.Since(p.joined))
		started.Add(1)
		p.finish("started")
	})
	p.c.On(protocol.TypeOfferCancelled, func(raw json.RawMessage) {
		var msg protocol.OfferCancelledMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.collector.AddError()
			return
		}
		p.collector.Inc("cancelled:" + msg.Reason)
		if !msg.Requeued {
			p.finish("cancelled")
		}
	})
	p.c.On(protocol.TypeQueueTimedOut, func(json.RawMessage) {
		p.finish("queue_timed_out")
	})
	for _, msgType := range []string{protocol.TypeRateLimited, protocol.TypeQueueLocked, protocol.TypeError} {
		p.c.On(msgType, func(json.RawMessage) {
			p.collector.AddError()
			p.finish(msgType)
		})
	}
}

func parseLevels(band string) (int, int, error) {
	lo, hi, ok := strings.Cut(band, "-")
	if !ok {
		hi = lo
	}
	minLevel, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, err
	}
	maxLevel, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, err
	}
	if maxLevel < minLevel {
		return 0, 0, fmt.Errorf("band %q is reversed", band)
	}
	return minLevel, maxLevel, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
