// Package fetch implements the fetch collaborator against an OpenRTB-style
// ad server: one POST /ad per slot load.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/slot"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// ErrorDomain is reported on every AdError produced here.
const ErrorDomain = "adslot.fetch"

// Creative is the resource produced by a successful fetch.
type Creative struct {
	*slot.BaseResource
	Markup        string
	Width, Height int
	ImpressionURL string
	ClickURL      string
}

// Dimensions returns the creative's served size.
func (c *Creative) Dimensions() (int, int) { return c.Width, c.Height }

// HTTPFetcher posts bid requests to BaseURL + "/ad".
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// New creates a fetcher. Requests time out after timeout.
func New(baseURL string, timeout time.Duration, logger *zap.Logger, opts ...Option) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch runs the request on its own goroutine and reports through done.
func (f *HTTPFetcher) Fetch(ctx context.Context, unitID string, req slot.EnrichedRequest, done func(slot.FetchResult)) {
	go func() {
		done(f.fetch(ctx, unitID, req))
	}()
}

func (f *HTTPFetcher) fetch(ctx context.Context, unitID string, req slot.EnrichedRequest) slot.FetchResult {
	bidReq := BuildBidRequest(unitID, req)
	body, err := json.Marshal(bidReq)
	if err != nil {
		return failure(models.ErrorCodeInvalidRequest, "encode bid request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/ad", bytes.NewReader(body))
	if err != nil {
		return failure(models.ErrorCodeInvalidRequest, "build http request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return failure(models.ErrorCodeTimeout, "ad request timed out", err)
		}
		return failure(models.ErrorCodeNetwork, "ad request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return failure(models.ErrorCodeNoFill, "no fill", nil)
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return failure(models.ErrorCodeInvalidRequest, strings.TrimSpace(string(msg)), nil)
	case resp.StatusCode != http.StatusOK:
		return failure(models.ErrorCodeInternal, fmt.Sprintf("ad server returned %d", resp.StatusCode), nil)
	}

	var rtb models.OpenRTBResponse
	if err := json.NewDecoder(resp.Body).Decode(&rtb); err != nil {
		return failure(models.ErrorCodeInternal, "decode bid response", err)
	}
	bid, ok := rtb.FirstBid()
	if !ok {
		return failure(models.ErrorCodeNoFill, fmt.Sprintf("no fill (nbr %d)", rtb.Nbr), nil)
	}

	creative := &Creative{
		BaseResource:  slot.NewBaseResource(uuid.NewString()),
		Markup:        bid.Adm,
		Width:         bid.W,
		Height:        bid.H,
		ImpressionURL: bid.ImpURL,
		ClickURL:      bid.ClickURL,
	}
	meta := models.ResponseMeta{
		ResponseID:   rtb.ID,
		AdapterClass: "openrtb",
		CreativeID:   bid.CrID,
		Price:        bid.Price,
		Extras:       map[string]string{"bid_id": bid.ID},
	}
	if bid.CID != "" {
		meta.Extras["campaign_id"] = bid.CID
	}

	f.logger.Debug("ad fetched",
		zap.String("request_id", bidReq.ID),
		zap.String("ad_unit_id", unitID),
		zap.String("creative_id", bid.CrID),
		zap.Float64("price", bid.Price),
	)
	return slot.FetchResult{Resource: creative, Meta: meta}
}

// BuildBidRequest maps an enriched request onto the wire format.
func BuildBidRequest(unitID string, req slot.EnrichedRequest) models.OpenRTBRequest {
	imp := models.Impression{ID: "1", TagID: unitID}
	if req.Size != nil {
		imp.W, imp.H = req.Size.Dimensions()
		if req.Size.IsAdaptive() && req.AdaptiveWidth > 0 {
			imp.W = req.AdaptiveWidth
			imp.H = req.AdaptiveMaxHeight
		}
	}
	if !req.Format.Embedded() {
		imp.Instl = 1
	}
	if req.Format == models.FormatRewarded || req.Format == models.FormatRewardedInterstitial {
		imp.Rwdd = 1
	}
	if req.Position != nil {
		imp.Ext = map[string]interface{}{"position": string(*req.Position)}
	}

	out := models.OpenRTBRequest{
		ID:  uuid.NewString(),
		Imp: []models.Impression{imp},
		Ext: models.RequestExt{
			RequestAgent: req.RequestAgent,
			Format:       req.Format,
		},
	}
	if len(req.Keywords) > 0 {
		out.App = &models.App{Keywords: strings.Join(req.Keywords, ",")}
	}
	if req.Verification != nil {
		out.User = models.User{ID: req.Verification.UserID, CustomData: req.Verification.CustomData}
	}
	out.Regs = regsFor(req.Consent)

	if len(req.NetworkExtras) > 0 {
		out.Ext.NetworkExtras = make(map[string]map[string]models.ScalarValue, len(req.NetworkExtras))
		for tag, bundle := range req.NetworkExtras {
			out.Ext.NetworkExtras[tag] = bundle
		}
	}
	return out
}

func regsFor(c models.ConsentFields) *models.Regs {
	if c.IsEmpty() {
		return nil
	}
	regs := &models.Regs{}
	if c.GDPRConsent != nil {
		v := 0
		if *c.GDPRConsent {
			v = 1
		}
		regs.GDPR = &v
	}
	if c.CCPASaleConsent != nil {
		regs.USPrivacy = "1YNN"
		if *c.CCPASaleConsent {
			regs.USPrivacy = "1NNN"
		}
	}
	if c.AgeRestricted != nil && *c.AgeRestricted {
		regs.COPPA = 1
	}
	return regs
}

func failure(code int, message string, cause error) slot.FetchResult {
	return slot.FetchResult{Err: models.NewAdError(ErrorDomain, code, message, cause)}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
