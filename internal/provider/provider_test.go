package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"geocache/internal/core"
)

func TestFetchNormalizesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/route" {
			t.Errorf("path = %s, want /v1/route", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"provider": "osrm",
			"confidence": 0.93,
			"cost": 0.004,
			"result": {"distance_m": 4200},
			"metadata": {"provider": "osrm", "confidence": 0.93}
		}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKey: "secret"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := c.Fetch(context.Background(), core.TypeRoute, []byte(`{"origin":"1,2","destination":"3,4"}`))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Provider != "osrm" || result.Confidence != 0.93 || result.Cost != 0.004 {
		t.Fatalf("envelope = %+v", result)
	}
	if string(result.Payload) != `{"distance_m": 4200}` {
		t.Fatalf("payload = %s", result.Payload)
	}
}

func TestFetchErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   core.ErrorKind
	}{
		{"throttled", http.StatusTooManyRequests, core.KindProviderRateLimited},
		{"bad request", http.StatusBadRequest, core.KindProviderInvalid},
		{"outage", http.StatusBadGateway, core.KindProviderTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c, err := New(Config{BaseURL: srv.URL}, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = c.Fetch(context.Background(), core.TypeGeocode, []byte(`{"address":"x"}`))
			if !core.IsKind(err, tc.want) {
				t.Fatalf("got %v, want kind %s", err, tc.want)
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Fetch(ctx, core.TypeTraffic, []byte(`{"area":"downtown"}`))
	if !core.IsKind(err, core.KindProviderTimeout) {
		t.Fatalf("got %v, want provider timeout", err)
	}
}

func TestSeverityProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"result":{"area":"downtown","severity":4}}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	level, known := c.Severity(context.Background(), "downtown")
	if !known || level != 4 {
		t.Fatalf("Severity = (%d, %v), want (4, true)", level, known)
	}
}

func TestGateDailyBudget(t *testing.T) {
	g := NewGate(BudgetConfig{DailyBudget: 0.01, CallsPerSecond: 1000, Burst: 1000}, nil)
	ctx := context.Background()

	if err := g.Reserve(ctx, 0.006); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := g.Reserve(ctx, 0.006)
	if !core.IsKind(err, core.KindBudgetExceeded) {
		t.Fatalf("over-budget reserve: got %v, want budget error", err)
	}

	// Refunding the unissued call frees the quota again.
	g.Refund(0.006)
	if g.Spent() != 0 {
		t.Fatalf("spent = %v after refund, want 0", g.Spent())
	}
	if err := g.Reserve(ctx, 0.006); err != nil {
		t.Fatalf("reserve after refund: %v", err)
	}
}

func TestGateBudgetResetsDaily(t *testing.T) {
	clock := &steppedClock{now: time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)}
	g := NewGate(BudgetConfig{DailyBudget: 0.01, CallsPerSecond: 1000, Burst: 1000}, clock)
	ctx := context.Background()

	if err := g.Reserve(ctx, 0.01); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := g.Reserve(ctx, 0.01); !core.IsKind(err, core.KindBudgetExceeded) {
		t.Fatalf("got %v, want budget error", err)
	}

	clock.advance(2 * time.Hour)
	if err := g.Reserve(ctx, 0.01); err != nil {
		t.Fatalf("reserve after day boundary: %v", err)
	}
}

type steppedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
