package binance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"mdfeed/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustInterval(t *testing.T, label string) model.Interval {
	t.Helper()
	iv, err := model.ParseInterval(label)
	if err != nil {
		t.Fatal(err)
	}
	return iv
}

// klineRowJSON renders one raw klines array entry the way Binance does:
// numeric timestamps, quoted decimal prices.
func klineRowJSON(openMs int64, price float64) string {
	closeMs := openMs + 59_999
	p := strconv.FormatFloat(price, 'f', 2, 64)
	return fmt.Sprintf(`[%d,"%s","%s","%s","%s","12.5",%d,"1300.0",42,"6.0","650.0","0"]`,
		openMs, p, p, p, p, closeMs)
}

// klinesHandler serves synthetic 1m candles for any requested window.
func klinesHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		var rows []string
		openMs := model.AlignDown(start+59_999, 60_000)
		for openMs <= end && len(rows) < limit {
			rows = append(rows, klineRowJSON(openMs, 100))
			openMs += 60_000
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}
}

func TestFetchKlinesPaging(t *testing.T) {
	srv := httptest.NewServer(klinesHandler(t))
	defer srv.Close()

	c := NewRestClient(srv.URL, testLogger())
	c.sleep = func(time.Duration) {}
	iv := mustInterval(t, "1m")

	const fromSec = 1_700_000_040
	const toSec = fromSec + 300 // 5 closed buckets

	var all []model.Candle
	cur := int64(fromSec)
	pages := 0
	for {
		page, err := c.FetchKlines(context.Background(), "BTCUSDT", iv, cur, toSec, 2)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		pages++
		all = append(all, page.Rows...)
		if !page.HasMore {
			break
		}
		if page.NextFromSec <= cur {
			t.Fatalf("cursor did not advance: %d -> %d", cur, page.NextFromSec)
		}
		cur = page.NextFromSec
		if pages > 10 {
			t.Fatal("paging did not terminate")
		}
	}

	if len(all) != 5 {
		t.Fatalf("got %d candles, want 5", len(all))
	}
	toMs := int64(toSec) * 1000
	var prev int64
	for i, cd := range all {
		if i > 0 && cd.OpenMs <= prev {
			t.Errorf("candle %d: open_ms %d not strictly increasing", i, cd.OpenMs)
		}
		prev = cd.OpenMs
		if cd.CloseMs > toMs {
			t.Errorf("candle %d: close_ms %d past range end %d", i, cd.CloseMs, toMs)
		}
		if !cd.IsClosed {
			t.Errorf("candle %d: not marked closed", i)
		}
	}
}

func TestFetchKlinesEmptyRange(t *testing.T) {
	c := NewRestClient("http://unused.invalid", testLogger())
	c.sleep = func(time.Duration) {}

	page, err := c.FetchKlines(context.Background(), "BTCUSDT", mustInterval(t, "1m"), 2000, 1000, 100)
	if err != nil {
		t.Fatalf("inverted range: %v", err)
	}
	if len(page.Rows) != 0 || page.HasMore {
		t.Errorf("inverted range returned data: %+v", page)
	}
}

func TestFetchKlinesRetryThenSuccess(t *testing.T) {
	var calls int
	handler := klinesHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		handler(w, r)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testLogger())
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	page, err := c.FetchKlines(context.Background(), "BTCUSDT", mustInterval(t, "1m"), 1_700_000_040, 1_700_000_160, 100)
	if err != nil {
		t.Fatalf("retry path failed: %v", err)
	}
	if len(page.Rows) == 0 {
		t.Fatal("no rows after retry")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Errorf("backoff sleeps = %v, want [1s]", slept)
	}
}

func TestFetchKlinesGivesUp(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testLogger())
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := c.FetchKlines(context.Background(), "BTCUSDT", mustInterval(t, "1m"), 1_700_000_040, 1_700_000_160, 100)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxAttempts {
		t.Errorf("calls = %d, want %d", calls, maxAttempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestFetchKlinesNonRetryableStatus(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testLogger())
	c.sleep = func(time.Duration) {}

	_, err := c.FetchKlines(context.Background(), "NOPE", mustInterval(t, "1m"), 1_700_000_040, 1_700_000_160, 100)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls)
	}
}

func TestFetchKlinesBadBodyIsFatal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[[1700000040000,"100"`)) // truncated mid-row
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testLogger())
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := c.FetchKlines(context.Background(), "BTCUSDT", mustInterval(t, "1m"), 1_700_000_040, 1_700_000_160, 100)
	if err == nil {
		t.Fatal("expected error for unparseable body")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on parse failure)", calls)
	}
	if len(slept) != 0 {
		t.Errorf("backoff sleeps = %v, want none", slept)
	}
}

func TestFetchKlinesSkipsNonIncreasingRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows := []string{
			klineRowJSON(1_700_000_040_000, 100),
			klineRowJSON(1_700_000_040_000, 101), // duplicated bucket
			klineRowJSON(1_700_000_100_000, 102),
			klineRowJSON(1_700_000_040_000, 103), // regressed cursor
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testLogger())
	c.sleep = func(time.Duration) {}

	page, err := c.FetchKlines(context.Background(), "BTCUSDT", mustInterval(t, "1m"), 1_700_000_040, 1_700_000_160, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(page.Rows))
	}
	if page.Rows[0].OpenMs != 1_700_000_040_000 || page.Rows[1].OpenMs != 1_700_000_100_000 {
		t.Errorf("open_ms = %d, %d", page.Rows[0].OpenMs, page.Rows[1].OpenMs)
	}
	if page.Rows[0].Open != 100 {
		t.Errorf("first occurrence of a bucket should win, open = %v", page.Rows[0].Open)
	}
}

func TestFetchKlinesWeightBackoff(t *testing.T) {
	handler := klinesHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(usedWeightHeader, "1150")
		handler(w, r)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testLogger())
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	if _, err := c.FetchKlines(context.Background(), "BTCUSDT", mustInterval(t, "1m"), 1_700_000_040, 1_700_000_160, 100); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("weight backoff sleeps = %v, want [2s]", slept)
	}
}

func TestFetchKlinesLimitClamp(t *testing.T) {
	var gotLimit string
	handler := klinesHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		handler(w, r)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, testLogger())
	c.sleep = func(time.Duration) {}

	if _, err := c.FetchKlines(context.Background(), "BTCUSDT", mustInterval(t, "1m"), 1_700_000_040, 1_700_000_160, 5000); err != nil {
		t.Fatal(err)
	}
	if gotLimit != "1000" {
		t.Errorf("limit = %s, want 1000", gotLimit)
	}
}
