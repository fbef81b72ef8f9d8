package stats

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Server metric names read by the scraper.
const (
	metricConnections    = "party_gateway_connections"
	metricQueueSize      = "party_queue_size"
	metricPendingOffers  = "party_pending_offers"
	metricPartiesFormed  = "party_parties_formed_total"
	metricOffersResolved = "party_offers_resolved_total"
	metricQueueTimeouts  = "party_queue_timeouts_total"
	metricAnchorWait     = "party_anchor_wait_seconds"
	metricSweepDuration  = "party_sweep_duration_seconds"
)

// metricSnapshot holds the tracked server metrics at a point in time,
// summed over every label set and every scraped endpoint.
type metricSnapshot struct {
	timestamp      time.Time
	connections    float64
	queueSize      float64
	pendingOffers  float64
	partiesFormed  float64
	offersResolved float64
	queueTimeouts  float64

	anchorWaitSum   float64
	anchorWaitCount float64
	sweepSum        float64
	sweepCount      float64
}

// Scraper periodically fetches Prometheus metrics from the gateway and
// matcher and records snapshots for the final report.
type Scraper struct {
	urls     []string
	interval time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper reading every url at the given interval.
func NewScraper(interval time.Duration, urls ...string) *Scraper {
	return &Scraper{
		urls:     urls,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot immediately, then one per interval until ctx is
// done or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap := metricSnapshot{timestamp: time.Now()}
	ok := false
	for _, url := range s.urls {
		families, err := s.fetch(url)
		if err != nil {
			// The server may not be up yet.
			continue
		}
		snap.add(families)
		ok = true
	}
	if !ok {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(url string) (map[string]*dto.MetricFamily, error) {
	resp, err := s.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s: %s", url, resp.Status)
	}
	return parseFamilies(resp.Body)
}

func parseFamilies(r io.Reader) (map[string]*dto.MetricFamily, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	return parser.TextToMetricFamilies(r)
}

// add folds one endpoint's families into the snapshot.
func (snap *metricSnapshot) add(families map[string]*dto.MetricFamily) {
	snap.connections += sumValues(families[metricConnections])
	snap.queueSize += sumValues(families[metricQueueSize])
	snap.pendingOffers += sumValues(families[metricPendingOffers])
	snap.partiesFormed += sumValues(families[metricPartiesFormed])
	snap.offersResolved += sumValues(families[metricOffersResolved])
	snap.queueTimeouts += sumValues(families[metricQueueTimeouts])

	sum, count := histogramTotals(families[metricAnchorWait])
	snap.anchorWaitSum += sum
	snap.anchorWaitCount += count
	sum, count = histogramTotals(families[metricSweepDuration])
	snap.sweepSum += sum
	snap.sweepCount += count
}

// sumValues adds up a gauge or counter family across its label sets.
func sumValues(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Gauge != nil:
			total += m.GetGauge().GetValue()
		case m.Counter != nil:
			total += m.GetCounter().GetValue()
		case m.Untyped != nil:
			total += m.GetUntyped().GetValue()
		}
	}
	return total
}

func histogramTotals(mf *dto.MetricFamily) (sum, count float64) {
	for _, m := range mf.GetMetric() {
		h := m.GetHistogram()
		sum += h.GetSampleSum()
		count += float64(h.GetSampleCount())
	}
	return sum, count
}

// Report prints the initial, final, delta and peak value of each tracked
// metric, plus histogram averages over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Connections", func(s metricSnapshot) float64 { return s.connections }},
		{"Queue Size", func(s metricSnapshot) float64 { return s.queueSize }},
		{"Pending Offers", func(s metricSnapshot) float64 { return s.pendingOffers }},
		{"Parties Formed", func(s metricSnapshot) float64 { return s.partiesFormed }},
		{"Offers Resolved", func(s metricSnapshot) float64 { return s.offersResolved }},
		{"Queue Timeouts", func(s metricSnapshot) float64 { return s.queueTimeouts }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}

	fmt.Println()
	printHistogramAvg("Anchor Wait", first.anchorWaitSum, first.anchorWaitCount,
		last.anchorWaitSum, last.anchorWaitCount)
	printHistogramAvg("Sweep Duration", first.sweepSum, first.sweepCount,
		last.sweepSum, last.sweepCount)
}

// printHistogramAvg prints the average from the _sum/_count deltas between
// the first and last snapshot.
func printHistogramAvg(label string, sumFirst, countFirst, sumLast, countLast float64) {
	deltaSum := sumLast - sumFirst
	deltaCount := countLast - countFirst
	if deltaCount > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", label, deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", label)
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
