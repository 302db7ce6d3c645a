package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickwarner/adslot/internal/config"
	"github.com/patrickwarner/adslot/internal/db"
	"github.com/patrickwarner/adslot/internal/observability"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	server          string
	unitCSV         string
	formatCSV       string
	totalReq        int
	conc            int
	duration        time.Duration
	rate            float64
	clickRate       float64
	readyTimeout    time.Duration
	stats           bool
	flush           bool
	redisAddr       string
	debug           bool
	label           string
	surgeInterval   time.Duration
	surgeDuration   time.Duration
	surgeMultiplier float64
	jitter          float64
	keywords        string
)

var logger *zap.Logger

var httpClient *http.Client

var (
	unitIDs     = []string{"home_banner", "level_end"}
	formatNames = []string{"banner", "native", "interstitial", "rewarded", "app_open"}
	bannerSizes = []string{"BANNER", "LARGE_BANNER", "MEDIUM_RECTANGLE", "LEADERBOARD"}
)

const (
	statsInterval = 5 * time.Second
	pollInterval  = 50 * time.Millisecond
)

var (
	countSent    uint64
	countShown   uint64
	countNoFill  uint64
	countErrors  uint64
	countClicks  uint64
	countTimeout uint64
)

var errNoFill = errors.New("no fill")

type slotRequest struct {
	UnitID   string   `json:"ad_unit_id"`
	Size     string   `json:"ad_size,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

type createBody struct {
	Format  string      `json:"format"`
	Request slotRequest `json:"request"`
	Load    bool        `json:"load"`
}

type slotStatus struct {
	AdID      string `json:"ad_id"`
	State     string `json:"state"`
	Available bool   `json:"available"`
}

type loggedEvent struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`
}

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "ad slot daemon base URL")
	flag.StringVar(&unitCSV, "units", "home_banner,level_end", "comma-separated ad unit IDs")
	flag.StringVar(&formatCSV, "formats", "banner,native,interstitial,rewarded,app_open", "comma-separated formats to exercise")
	flag.IntVar(&totalReq, "requests", 1000, "total slot sessions to run")
	flag.IntVar(&conc, "concurrency", 20, "concurrent sessions")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "sessions per second (0 for unlimited)")
	flag.Float64Var(&clickRate, "click-rate", 0.05, "probability of a click per shown ad")
	flag.DurationVar(&readyTimeout, "ready-timeout", 5*time.Second, "how long to wait for an ad to load or show")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "clear stored consent signals before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.DurationVar(&surgeInterval, "surge-interval", 0, "interval between traffic surges (0 to disable)")
	flag.DurationVar(&surgeDuration, "surge-duration", 0, "duration of each surge window")
	flag.Float64Var(&surgeMultiplier, "surge-multiplier", 2.0, "sessions multiplier during surge period")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for session spacing")
	flag.StringVar(&keywords, "keywords", "", "comma-separated targeting keywords sent with every request")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   conc,
			MaxConnsPerHost:       conc * 2,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushConsent()
	}

	unitIDs = splitCSV(unitCSV)
	formatNames = splitCSV(formatCSV)
	if len(unitIDs) == 0 || len(formatNames) == 0 {
		logger.Fatal("need at least one unit and one format")
	}
	kw := splitCSV(keywords)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	p := newPacer(r)
	if stats {
		go reportStats(done)
	}
	for i := 0; p.more(i); i++ {
		p.wait()

		body := createBody{
			Format:  formatNames[r.Intn(len(formatNames))],
			Request: slotRequest{UnitID: unitIDs[r.Intn(len(unitIDs))], Keywords: kw},
			Load:    true,
		}
		if body.Format == "banner" {
			body.Request.Size = bannerSizes[r.Intn(len(bannerSizes))]
		}
		click := r.Float64() < clickRate

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			atomic.AddUint64(&countSent, 1)

			ctx, cancel := context.WithTimeout(context.Background(), 2*readyTimeout+10*time.Second)
			defer cancel()
			err := runSession(ctx, body, click)
			switch {
			case err == nil:
				atomic.AddUint64(&countShown, 1)
			case errors.Is(err, errNoFill):
				atomic.AddUint64(&countNoFill, 1)
				logger.Debug("no fill", zap.String("format", body.Format), zap.String("unit", body.Request.UnitID))
			case errors.Is(err, context.DeadlineExceeded):
				atomic.AddUint64(&countTimeout, 1)
				logger.Warn("session timed out", zap.String("format", body.Format))
			default:
				atomic.AddUint64(&countErrors, 1)
				logger.Error("session error", zap.String("format", body.Format), zap.Error(err))
			}
		}()
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
}

// runSession walks one slot through create, load, show and teardown.
func runSession(ctx context.Context, body createBody, click bool) error {
	var st slotStatus
	if err := call(ctx, http.MethodPost, "/slots", body, &st); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	path := "/slots/" + url.PathEscape(st.AdID)
	defer func() {
		// the slot is gone either way once the session ends
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := call(dctx, http.MethodDelete, path, nil, nil); err != nil {
			logger.Debug("destroy failed", zap.String("ad_id", st.AdID), zap.Error(err))
		}
	}()

	if err := waitForEvent(ctx, path, "loaded", "failed_to_load"); err != nil {
		return err
	}
	if body.Format == "native" {
		layout := map[string]interface{}{"x": 0, "y": 0, "width": 320, "height": 120, "visible": true}
		if err := call(ctx, http.MethodPut, path+"/layout", layout, nil); err != nil {
			return fmt.Errorf("layout: %w", err)
		}
	}
	if err := call(ctx, http.MethodPost, path+"/show", nil, nil); err != nil {
		return fmt.Errorf("show: %w", err)
	}
	if body.Format == "banner" || body.Format == "native" {
		if click {
			if err := call(ctx, http.MethodPost, path+"/click", nil, nil); err == nil {
				atomic.AddUint64(&countClicks, 1)
			}
		}
		return call(ctx, http.MethodPost, path+"/hide", nil, nil)
	}

	if err := waitForEvent(ctx, path, "impression", "failed_to_show"); err != nil {
		return err
	}
	if click {
		if err := call(ctx, http.MethodPost, path+"/click", nil, nil); err != nil {
			return fmt.Errorf("click: %w", err)
		}
		atomic.AddUint64(&countClicks, 1)
	}
	if err := call(ctx, http.MethodPost, path+"/dismiss", nil, nil); err != nil {
		return fmt.Errorf("dismiss: %w", err)
	}
	logger.Debug("session complete", zap.String("ad_id", st.AdID), zap.String("format", body.Format))
	return nil
}

// waitForEvent polls the slot's event log until want or failure is seen.
func waitForEvent(ctx context.Context, path, want, failure string) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	var after uint64
	for {
		var events []loggedEvent
		if err := call(ctx, http.MethodGet, fmt.Sprintf("%s/events?after=%d", path, after), nil, &events); err != nil {
			return err
		}
		for _, ev := range events {
			after = ev.Seq
			switch ev.Type {
			case want:
				return nil
			case failure:
				if want == "loaded" {
					return errNoFill
				}
				return fmt.Errorf("%s", failure)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		blob, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(server, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func flushConsent() {
	cfg := config.Load()
	addr := redisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	ctx := context.Background()
	store, err := db.InitRedis(ctx, addr, cfg.ConsentTTL)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	keys, err := store.Client.Keys(ctx, "consent:*").Result()
	if err != nil {
		logger.Fatal("failed to list consent keys", zap.Error(err))
	}
	if len(keys) > 0 {
		if err := store.Client.Del(ctx, keys...).Err(); err != nil {
			logger.Fatal("failed to delete consent keys", zap.Error(err))
		}
	}
	logger.Info("stored consent signals flushed",
		zap.String("addr", addr),
		zap.Int("keys_deleted", len(keys)))
}

// pacer spaces sessions by -rate (or -duration/-requests), shortening the gap
// inside surge windows and spreading it by -jitter.
type pacer struct {
	r     *rand.Rand
	base  time.Duration
	start time.Time
	next  time.Time
}

func newPacer(r *rand.Rand) *pacer {
	p := &pacer{r: r, start: time.Now()}
	p.next = p.start
	switch {
	case rate > 0:
		p.base = time.Duration(float64(time.Second) / rate)
	case duration > 0 && totalReq > 0:
		p.base = duration / time.Duration(totalReq)
	}
	return p
}

func (p *pacer) more(i int) bool {
	if totalReq > 0 && i >= totalReq {
		return false
	}
	return duration <= 0 || time.Since(p.start) < duration
}

func (p *pacer) wait() {
	if p.base <= 0 {
		return
	}
	gap := p.base
	if surgeInterval > 0 && surgeDuration > 0 && surgeMultiplier > 0 &&
		time.Since(p.start)%surgeInterval < surgeDuration {
		gap = time.Duration(float64(gap) / surgeMultiplier)
	}
	if jitter > 0 {
		gap = time.Duration(float64(gap) * max(0.1, 1+(p.r.Float64()*2-1)*jitter))
	}
	if d := time.Until(p.next); d > 0 {
		time.Sleep(d)
	}
	p.next = p.next.Add(gap)
}

func reportStats(done <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			printStats()
		case <-done:
			printStats()
			return
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	shown := atomic.LoadUint64(&countShown)
	nf := atomic.LoadUint64(&countNoFill)
	errs := atomic.LoadUint64(&countErrors)
	to := atomic.LoadUint64(&countTimeout)
	clk := atomic.LoadUint64(&countClicks)
	var ctr float64
	if shown > 0 {
		ctr = float64(clk) / float64(shown)
	}
	logger.Info("stats", zap.String("run", label), zap.Uint64("sent", sent), zap.Uint64("shown", shown), zap.Uint64("no_fill", nf), zap.Uint64("timeouts", to), zap.Uint64("errors", errs), zap.Uint64("clicks", clk), zap.Float64("ctr", ctr))
}
