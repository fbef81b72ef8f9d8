package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	s := Summarize(durations)
	assert.Equal(t, 100, s.N)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddError()
	c.AddLatency("time to offer", time.Second)
	c.Inc("cancelled:declined")
	c.Inc("cancelled:declined")

	assert.Equal(t, 1, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())
	assert.Equal(t, 2, c.Count("cancelled:declined"))
	assert.Equal(t, []string{"time to offer"}, c.order)
}

const gatewayExposition = `# HELP party_gateway_connections Current number of active gateway WebSocket connections
# TYPE party_gateway_connections gauge
party_gateway_connections 40
# HELP party_queue_size Current number of candidates waiting in each activity queue
# TYPE party_queue_size gauge
party_queue_size{activity="trial-a"} 0
`

const matcherExposition = `# HELP party_queue_size Current number of candidates waiting in each activity queue
# TYPE party_queue_size gauge
party_queue_size{activity="trial-a"} 7
party_queue_size{activity="trial-b"} 3
# HELP party_parties_formed_total Total number of parties formed
# TYPE party_parties_formed_total counter
party_parties_formed_total{activity="trial-a",mode="strict"} 5
party_parties_formed_total{activity="trial-a",mode="flexible"} 2
# HELP party_anchor_wait_seconds Wait of the anchoring candidate when a party is formed
# TYPE party_anchor_wait_seconds histogram
party_anchor_wait_seconds_bucket{le="5"} 3
party_anchor_wait_seconds_bucket{le="+Inf"} 7
party_anchor_wait_seconds_sum 84
party_anchor_wait_seconds_count 7
`

func TestScraper_SumsAcrossEndpoints(t *testing.T) {
	serve := func(body string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	gw := serve(gatewayExposition)
	matcher := serve(matcherExposition)

	s := NewScraper(time.Hour, gw.URL, matcher.URL)
	s.Start(context.Background())
	s.Stop()

	require.NotEmpty(t, s.snapshots)
	snap := s.snapshots[0]
	assert.Equal(t, 40.0, snap.connections)
	assert.Equal(t, 10.0, snap.queueSize)
	assert.Equal(t, 7.0, snap.partiesFormed)
	assert.Equal(t, 84.0, snap.anchorWaitSum)
	assert.Equal(t, 7.0, snap.anchorWaitCount)
}

func TestScraper_SkipsUnreachable(t *testing.T) {
	s := NewScraper(time.Hour, "http://127.0.0.1:1/metrics")
	s.scrapeOnce()
	assert.Empty(t, s.snapshots)
}

func TestParseFamilies_Malformed(t *testing.T) {
	_, err := parseFamilies(strings.NewReader("party_queue_size{activity=\"a\" 1\n"))
	assert.Error(t, err)
}
