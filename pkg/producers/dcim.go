package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

func init() {
	Register("dcim_http", newDCIMPoller)
}

// DCIMPoller is a generic JSON endpoint poller for DCIM-style systems
// (NetBox, openDCIM, vendor facility APIs). Each endpoint response becomes
// one line carrying the url, status and body.
type DCIMPoller struct {
	endpoints []string
	headers   map[string]string
	username  string
	password  string
	interval  time.Duration
	client    *http.Client
	emit      Emitter
}

func newDCIMPoller(cfg map[string]any, emit Emitter) (Producer, error) {
	endpoints := cfgStrings(cfg, "endpoints")
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("dcim_http requires endpoints")
	}
	return &DCIMPoller{
		endpoints: endpoints,
		headers:   cfgStringMap(cfg, "headers"),
		username:  cfgString(cfg, "username", ""),
		password:  cfgString(cfg, "password", ""),
		interval:  time.Duration(cfgFloat(cfg, "interval_sec", 120)) * time.Second,
		client:    &http.Client{Timeout: 15 * time.Second},
		emit:      emit,
	}, nil
}

// Name implements Producer.
func (d *DCIMPoller) Name() string { return "dcim_http" }

// Run implements Producer.
func (d *DCIMPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pollAll(ctx)
		}
	}
}

func (d *DCIMPoller) pollAll(ctx context.Context) {
	for _, endpoint := range d.endpoints {
		if ctx.Err() != nil {
			return
		}
		if err := d.poll(ctx, endpoint); err != nil && ctx.Err() == nil {
			slog.Warn("DCIM poll failed", "endpoint", endpoint, "error", err)
		}
	}
}

func (d *DCIMPoller) poll(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	if d.username != "" {
		req.SetBasicAuth(d.username, d.password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		body = string(raw)
	}

	payload, err := json.Marshal(map[string]any{
		"url":    endpoint,
		"status": resp.StatusCode,
		"body":   body,
	})
	if err != nil {
		return err
	}
	return d.emit(ctx, map[string]any{
		"source": fmt.Sprintf("dcim_http:%s", hostOf(endpoint)),
		"line":   string(payload),
	})
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return endpoint
	}
	return u.Hostname()
}
