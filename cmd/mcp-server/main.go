package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type CreateSlotInput struct {
	Format           string   `json:"format" jsonschema:"one of interstitial, rewarded, rewarded_interstitial, app_open, banner, native"`
	AdUnitID         string   `json:"ad_unit_id" jsonschema:"vendor ad unit id"`
	AdSize           string   `json:"ad_size,omitempty" jsonschema:"banner size name, e.g. BANNER or MEDIUM_RECTANGLE"`
	Keywords         []string `json:"keywords,omitempty"`
	Load             bool     `json:"load,omitempty" jsonschema:"start loading right away"`
	AutoShowOnResume bool     `json:"auto_show_on_resume,omitempty" jsonschema:"app_open only: show when the app returns to the foreground"`
}

type SlotInput struct {
	AdID string `json:"ad_id" jsonschema:"slot id returned by create_slot"`
}

type StatusInput struct {
	AdID string `json:"ad_id,omitempty" jsonschema:"slot id; omit to list every slot"`
}

type EventsInput struct {
	AdID  string `json:"ad_id"`
	After uint64 `json:"after,omitempty" jsonschema:"only return events with a greater sequence number"`
}

type ApplyPrivacyInput struct {
	GDPRConsent     *bool    `json:"has_gdpr_consent,omitempty"`
	CCPASaleConsent *bool    `json:"has_ccpa_sale_consent,omitempty"`
	AgeRestricted   *bool    `json:"is_age_restricted_user,omitempty"`
	Networks        []string `json:"enabled_networks,omitempty" jsonschema:"network tags; omit for every configured network"`
}

type AdSettingsInput struct {
	Volume         *float64 `json:"ad_volume,omitempty" jsonschema:"0 to 1; larger values are clamped"`
	Muted          *bool    `json:"ads_muted,omitempty"`
	ApplyAtStartup *bool    `json:"apply_at_startup,omitempty" jsonschema:"apply these settings whenever the daemon starts"`
}

type AdSettingsOutput struct {
	Volume         float64 `json:"ad_volume"`
	Muted          bool    `json:"ads_muted"`
	ApplyAtStartup bool    `json:"apply_at_startup"`
}

type ConsentInput struct {
	Action         string `json:"action,omitempty" jsonschema:"status (default), update or reset"`
	DebugGeography string `json:"debug_geography,omitempty" jsonschema:"update only: eea or not_eea"`
}

type ConsentOutput struct {
	Status        string `json:"status"`
	FormAvailable bool   `json:"form_available"`
}

type SlotSummary struct {
	AdID             string `json:"ad_id"`
	Format           string `json:"format"`
	UnitID           string `json:"ad_unit_id"`
	State            string `json:"state"`
	Available        bool   `json:"available"`
	LoadedAt         string `json:"loaded_at,omitempty"`
	AutoShowOnResume bool   `json:"auto_show_on_resume,omitempty"`
}

type SlotOutput struct {
	Slot SlotSummary `json:"slot"`
}

type StatusOutput struct {
	Slots []SlotSummary `json:"slots"`
}

type EventSummary struct {
	Seq   uint64 `json:"seq"`
	At    string `json:"at"`
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

type EventsOutput struct {
	Events []EventSummary `json:"events"`
}

type ConsentSummary struct {
	Network string `json:"network"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type ApplyPrivacyOutput struct {
	Outcomes []ConsentSummary `json:"outcomes"`
}

// SlotTools exposes the daemon's slot API as MCP tools.
type SlotTools struct {
	client *daemonClient
	logger *zap.Logger
}

func slotPath(adID, action string) string {
	p := "/slots/" + url.PathEscape(adID)
	if action != "" {
		p += "/" + action
	}
	return p
}

// CreateSlot implements the create_slot tool.
func (s *SlotTools) CreateSlot(ctx context.Context, req *mcp.CallToolRequest, input CreateSlotInput) (*mcp.CallToolResult, SlotOutput, error) {
	request := map[string]interface{}{"ad_unit_id": input.AdUnitID}
	if input.AdSize != "" {
		request["ad_size"] = input.AdSize
	}
	if len(input.Keywords) > 0 {
		request["keywords"] = input.Keywords
	}
	body := map[string]interface{}{
		"format":              input.Format,
		"request":             request,
		"load":                input.Load,
		"auto_show_on_resume": input.AutoShowOnResume,
	}

	var out SlotSummary
	if err := s.client.do(ctx, http.MethodPost, "/slots", body, &out); err != nil {
		return nil, SlotOutput{}, err
	}
	s.logger.Info("slot created", zap.String("ad_id", out.AdID), zap.String("format", out.Format))
	return nil, SlotOutput{Slot: out}, nil
}

// LoadAd implements the load_ad tool.
func (s *SlotTools) LoadAd(ctx context.Context, req *mcp.CallToolRequest, input SlotInput) (*mcp.CallToolResult, SlotOutput, error) {
	return s.slotAction(ctx, http.MethodPost, slotPath(input.AdID, "load"))
}

// ShowAd implements the show_ad tool.
func (s *SlotTools) ShowAd(ctx context.Context, req *mcp.CallToolRequest, input SlotInput) (*mcp.CallToolResult, SlotOutput, error) {
	return s.slotAction(ctx, http.MethodPost, slotPath(input.AdID, "show"))
}

// DismissAd implements the dismiss_ad tool.
func (s *SlotTools) DismissAd(ctx context.Context, req *mcp.CallToolRequest, input SlotInput) (*mcp.CallToolResult, SlotOutput, error) {
	if err := s.client.do(ctx, http.MethodPost, slotPath(input.AdID, "dismiss"), nil, nil); err != nil {
		return nil, SlotOutput{}, err
	}
	return s.slotAction(ctx, http.MethodGet, slotPath(input.AdID, ""))
}

// DestroySlot implements the destroy_slot tool.
func (s *SlotTools) DestroySlot(ctx context.Context, req *mcp.CallToolRequest, input SlotInput) (*mcp.CallToolResult, SlotOutput, error) {
	if err := s.client.do(ctx, http.MethodDelete, slotPath(input.AdID, ""), nil, nil); err != nil {
		return nil, SlotOutput{}, err
	}
	return nil, SlotOutput{Slot: SlotSummary{AdID: input.AdID, State: "destroyed"}}, nil
}

func (s *SlotTools) slotAction(ctx context.Context, method, path string) (*mcp.CallToolResult, SlotOutput, error) {
	var out SlotSummary
	if err := s.client.do(ctx, method, path, nil, &out); err != nil {
		return nil, SlotOutput{}, err
	}
	return nil, SlotOutput{Slot: out}, nil
}

// AdStatus implements the ad_status tool.
func (s *SlotTools) AdStatus(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	if input.AdID != "" {
		var one SlotSummary
		if err := s.client.do(ctx, http.MethodGet, slotPath(input.AdID, ""), nil, &one); err != nil {
			return nil, StatusOutput{}, err
		}
		return nil, StatusOutput{Slots: []SlotSummary{one}}, nil
	}
	var all []SlotSummary
	if err := s.client.do(ctx, http.MethodGet, "/slots", nil, &all); err != nil {
		return nil, StatusOutput{}, err
	}
	if all == nil {
		all = []SlotSummary{}
	}
	return nil, StatusOutput{Slots: all}, nil
}

// AdEvents implements the ad_events tool.
func (s *SlotTools) AdEvents(ctx context.Context, req *mcp.CallToolRequest, input EventsInput) (*mcp.CallToolResult, EventsOutput, error) {
	path := slotPath(input.AdID, "events")
	if input.After > 0 {
		path += "?after=" + strconv.FormatUint(input.After, 10)
	}
	var raw []struct {
		Seq   uint64 `json:"seq"`
		At    string `json:"at"`
		Type  string `json:"type"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := s.client.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, EventsOutput{}, err
	}
	out := EventsOutput{Events: make([]EventSummary, 0, len(raw))}
	for _, e := range raw {
		ev := EventSummary{Seq: e.Seq, At: e.At, Type: e.Type}
		if e.Error != nil {
			ev.Error = e.Error.Message
		}
		out.Events = append(out.Events, ev)
	}
	return nil, out, nil
}

// ApplyPrivacy implements the apply_privacy tool.
func (s *SlotTools) ApplyPrivacy(ctx context.Context, req *mcp.CallToolRequest, input ApplyPrivacyInput) (*mcp.CallToolResult, ApplyPrivacyOutput, error) {
	var out ApplyPrivacyOutput
	if err := s.client.do(ctx, http.MethodPost, "/privacy", input, &out); err != nil {
		return nil, ApplyPrivacyOutput{}, err
	}
	if out.Outcomes == nil {
		out.Outcomes = []ConsentSummary{}
	}
	return nil, out, nil
}

// AdSettings implements the ad_settings tool. Without any field it only
// reports the current settings.
func (s *SlotTools) AdSettings(ctx context.Context, req *mcp.CallToolRequest, input AdSettingsInput) (*mcp.CallToolResult, AdSettingsOutput, error) {
	var out AdSettingsOutput
	method, body := http.MethodGet, interface{}(nil)
	if input.Volume != nil || input.Muted != nil || input.ApplyAtStartup != nil {
		method, body = http.MethodPut, input
	}
	if err := s.client.do(ctx, method, "/settings", body, &out); err != nil {
		return nil, AdSettingsOutput{}, err
	}
	return nil, out, nil
}

// ConsentStatus implements the consent_status tool.
func (s *SlotTools) ConsentStatus(ctx context.Context, req *mcp.CallToolRequest, input ConsentInput) (*mcp.CallToolResult, ConsentOutput, error) {
	var out ConsentOutput
	var err error
	switch input.Action {
	case "", "status":
		err = s.client.do(ctx, http.MethodGet, "/consent/status", nil, &out)
	case "update":
		body := map[string]string{}
		if input.DebugGeography != "" {
			body["debug_geography"] = input.DebugGeography
		}
		err = s.client.do(ctx, http.MethodPost, "/consent/update", body, &out)
	case "reset":
		if err = s.client.do(ctx, http.MethodPost, "/consent/reset", nil, nil); err == nil {
			out.Status = "unknown"
		}
	default:
		err = fmt.Errorf("unknown consent action %q", input.Action)
	}
	if err != nil {
		return nil, ConsentOutput{}, err
	}
	return nil, out, nil
}

// Register adds every tool to server.
func (s *SlotTools) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_slot",
		Description: "Create an ad slot for a format and ad unit, optionally loading it right away",
	}, s.CreateSlot)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "load_ad",
		Description: "Start loading an ad into a slot; completion is reported through ad_events",
	}, s.LoadAd)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "show_ad",
		Description: "Show the slot's loaded ad if it is still fresh",
	}, s.ShowAd)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "dismiss_ad",
		Description: "Close the ad currently on screen, as a user would",
	}, s.DismissAd)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "destroy_slot",
		Description: "Release a slot and everything it holds",
	}, s.DestroySlot)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ad_status",
		Description: "Report the lifecycle state and availability of one slot or of all slots",
	}, s.AdStatus)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ad_events",
		Description: "List the lifecycle events recorded for a slot",
	}, s.AdEvents)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_privacy",
		Description: "Apply consent settings to the ad networks and report the outcome per network",
	}, s.ApplyPrivacy)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ad_settings",
		Description: "Read or change the ad volume and mute state",
	}, s.AdSettings)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "consent_status",
		Description: "Read, refresh or reset whether the user must still be asked for consent",
	}, s.ConsentStatus)
}

func newLogger() (*zap.Logger, error) {
	// stdout carries the MCP stream, so logs go to stderr
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("adslot-mcp").With(zap.String("service", "adslot-mcp")), nil
}

func main() {
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	baseURL := os.Getenv("ADSLOT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8787"
	}
	tools := &SlotTools{client: newDaemonClient(baseURL, 10*time.Second), logger: logger}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "adslot",
		Version: "1.0.0",
	}, nil)
	tools.Register(server)

	stdioTransport := &mcp.StdioTransport{}
	var logBuffer bytes.Buffer
	loggingTransport := &mcp.LoggingTransport{
		Transport: stdioTransport,
		Writer:    &logBuffer,
	}

	logger.Info("MCP server running via stdio", zap.String("daemon", baseURL))
	if err := server.Run(context.Background(), loggingTransport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
