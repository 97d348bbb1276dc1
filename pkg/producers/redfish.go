package producers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

func init() {
	Register("redfish", newRedfishPoller)
}

// RedfishPoller scrapes BMCs over the Redfish REST API: system event log
// entries plus chassis thermal and power telemetry. In "ome" mode the host
// list comes from an OpenManage Enterprise device inventory instead of the
// config.
type RedfishPoller struct {
	mode     string
	hosts    []string
	username string
	password string
	omeURL   string
	omeUser  string
	omePass  string
	interval time.Duration
	backfill time.Duration
	client   *http.Client
	emit     Emitter

	// Created high-watermark per "<host>:<entries_url>".
	cursors map[string]time.Time
}

func newRedfishPoller(cfg map[string]any, emit Emitter) (Producer, error) {
	mode := cfgString(cfg, "mode", "direct")
	p := &RedfishPoller{
		mode:     mode,
		hosts:    cfgStrings(cfg, "hosts"),
		username: cfgString(cfg, "username", ""),
		password: cfgString(cfg, "password", ""),
		omeURL:   strings.TrimRight(cfgString(cfg, "ome_url", ""), "/"),
		omeUser:  cfgString(cfg, "ome_username", ""),
		omePass:  cfgString(cfg, "ome_password", ""),
		interval: time.Duration(cfgFloat(cfg, "interval_sec", 300)) * time.Second,
		backfill: time.Duration(cfgFloat(cfg, "since_minutes", 60)) * time.Minute,
		emit:     emit,
		cursors:  make(map[string]time.Time),
	}
	switch mode {
	case "direct":
		if len(p.hosts) == 0 {
			return nil, fmt.Errorf("redfish direct mode requires hosts")
		}
	case "ome":
		if p.omeURL == "" {
			return nil, fmt.Errorf("redfish ome mode requires ome_url")
		}
	default:
		return nil, fmt.Errorf("unknown redfish mode %q", mode)
	}

	transport := &http.Transport{}
	if !cfgBool(cfg, "verify_tls", false) {
		// BMCs almost universally present self-signed certificates.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	p.client = &http.Client{Timeout: 15 * time.Second, Transport: transport}
	return p, nil
}

// Name implements Producer.
func (p *RedfishPoller) Name() string { return "redfish" }

// Run implements Producer.
func (p *RedfishPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *RedfishPoller) pollAll(ctx context.Context) {
	hosts := p.hosts
	if p.mode == "ome" {
		discovered, err := p.omeHosts(ctx)
		if err != nil {
			slog.Warn("OME device discovery failed", "url", p.omeURL, "error", err)
			return
		}
		hosts = discovered
	}
	for _, host := range hosts {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollHost(ctx, host); err != nil && ctx.Err() == nil {
			slog.Warn("Redfish poll failed", "host", host, "error", err)
		}
	}
}

// omeHosts pulls management IPs from the OME device inventory.
func (p *RedfishPoller) omeHosts(ctx context.Context) ([]string, error) {
	body, err := p.getJSONAuth(ctx, p.omeURL+"/api/DeviceService/Devices", p.omeUser, p.omePass)
	if err != nil {
		return nil, err
	}
	items, _ := body["value"].([]any)
	var hosts []string
	for _, item := range items {
		device, ok := item.(map[string]any)
		if !ok {
			continue
		}
		mgmt, _ := device["DeviceManagement"].([]any)
		for _, m := range mgmt {
			entry, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if ip, ok := entry["NetworkAddress"].(string); ok && ip != "" {
				hosts = append(hosts, ip)
				break
			}
		}
	}
	return hosts, nil
}

func (p *RedfishPoller) pollHost(ctx context.Context, host string) error {
	base := "https://" + host
	if err := p.pollLogs(ctx, host, base); err != nil {
		return err
	}
	for _, kind := range []string{"Thermal", "Power"} {
		if err := p.pollChassis(ctx, host, base, kind); err != nil {
			slog.Warn("Redfish chassis poll failed", "host", host, "kind", kind, "error", err)
		}
	}
	return nil
}

// pollLogs walks Managers -> LogServices -> Entries, emitting entries newer
// than the per-collection watermark. The first poll backfills since_minutes.
func (p *RedfishPoller) pollLogs(ctx context.Context, host, base string) error {
	managers, err := p.members(ctx, base, "/redfish/v1/Managers")
	if err != nil {
		return err
	}
	for _, managerPath := range managers {
		manager, err := p.getJSON(ctx, base+managerPath)
		if err != nil {
			continue
		}
		logServices := odataID(manager, "LogServices")
		if logServices == "" {
			continue
		}
		services, err := p.members(ctx, base, logServices)
		if err != nil {
			continue
		}
		for _, servicePath := range services {
			service, err := p.getJSON(ctx, base+servicePath)
			if err != nil {
				continue
			}
			entriesPath := odataID(service, "Entries")
			if entriesPath == "" {
				continue
			}
			if err := p.emitLogEntries(ctx, host, base, entriesPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *RedfishPoller) emitLogEntries(ctx context.Context, host, base, entriesPath string) error {
	body, err := p.getJSON(ctx, base+entriesPath)
	if err != nil {
		return nil
	}
	members, _ := body["Members"].([]any)

	cursorKey := host + ":" + entriesPath
	cursor, seen := p.cursors[cursorKey]
	if !seen {
		cursor = time.Now().UTC().Add(-p.backfill)
	}
	newest := cursor

	for _, m := range members {
		entry, ok := m.(map[string]any)
		if !ok {
			continue
		}
		createdRaw, _ := entry["Created"].(string)
		created, err := time.Parse(time.RFC3339, createdRaw)
		if err != nil || !created.After(cursor) {
			continue
		}
		if created.After(newest) {
			newest = created
		}
		message, _ := entry["Message"].(string)
		if message == "" {
			continue
		}
		line := map[string]any{
			"source": fmt.Sprintf("redfish_log:%s", host),
			"line":   fmt.Sprintf("%s %s", createdRaw, message),
		}
		if err := p.emit(ctx, line); err != nil {
			return err
		}
	}
	p.cursors[cursorKey] = newest
	return nil
}

// pollChassis emits one JSON line per chassis for the given telemetry kind.
func (p *RedfishPoller) pollChassis(ctx context.Context, host, base, kind string) error {
	chassis, err := p.members(ctx, base, "/redfish/v1/Chassis")
	if err != nil {
		return err
	}
	for _, chassisPath := range chassis {
		body, err := p.getJSON(ctx, base+chassisPath+"/"+kind)
		if err != nil {
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"host": host,
			"kind": strings.ToLower(kind),
			"body": body,
		})
		if err != nil {
			continue
		}
		entry := map[string]any{
			"source": fmt.Sprintf("redfish:%s", host),
			"line":   string(payload),
		}
		if err := p.emit(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// members resolves a Redfish collection to its member @odata.id paths.
func (p *RedfishPoller) members(ctx context.Context, base, path string) ([]string, error) {
	body, err := p.getJSON(ctx, base+path)
	if err != nil {
		return nil, err
	}
	raw, _ := body["Members"].([]any)
	paths := make([]string, 0, len(raw))
	for _, m := range raw {
		member, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := member["@odata.id"].(string); ok && id != "" {
			paths = append(paths, id)
		}
	}
	return paths, nil
}

func (p *RedfishPoller) getJSON(ctx context.Context, url string) (map[string]any, error) {
	return p.getJSONAuth(ctx, url, p.username, p.password)
}

func (p *RedfishPoller) getJSONAuth(ctx context.Context, url, user, pass string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	return body, nil
}

func odataID(body map[string]any, key string) string {
	ref, ok := body[key].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := ref["@odata.id"].(string)
	return id
}
