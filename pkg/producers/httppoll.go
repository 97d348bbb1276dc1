package producers

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

func init() {
	Register("splunk", newSplunk)
	Register("datadog", newDatadog)
	Register("thousandeyes", newThousandEyes)
	Register("catalyst", newCatalyst)
	Register("squaredup", newSquaredUp)
	Register("scom", newSCOM)
	Register("bluecat", newBlueCat)
	Register("dell_ome", newDellOME)
}

// pollTarget is one endpoint polled each cycle; items from it are tagged with
// the target's type.
type pollTarget struct {
	Method string
	Path   string
	Type   string
}

// restPoller is the shared core behind the vendor pollers: poll a set of REST
// endpoints on an interval, unwrap the item list from the response body, and
// emit each item as a JSON line tagged with its type. Vendors differ only in
// targets, item envelope keys, and authentication.
type restPoller struct {
	kind     string
	baseURL  string
	host     string
	targets  []pollTarget
	itemKeys []string
	headers  map[string]string
	auth     map[string]string // refreshed by authenticate
	interval time.Duration
	client   *http.Client
	emit     Emitter

	basicUser string
	basicPass string

	// authenticate establishes a session and fills p.auth; it is retried
	// once when a poll comes back 401.
	authenticate func(ctx context.Context, p *restPoller) error
}

func newRESTPoller(cfg map[string]any, emit Emitter, kind, defaultBase string, defaults []pollTarget, itemKeys []string) (*restPoller, error) {
	base := strings.TrimRight(cfgString(cfg, "base_url", defaultBase), "/")
	if base == "" {
		return nil, fmt.Errorf("%s requires base_url", kind)
	}
	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("%s: invalid base_url %q", kind, base)
	}

	targets := defaults
	if custom := cfgMaps(cfg, "paths"); len(custom) > 0 {
		targets = make([]pollTarget, 0, len(custom))
		for _, m := range custom {
			targets = append(targets, pollTarget{
				Method: cfgString(m, "method", http.MethodGet),
				Path:   cfgString(m, "path", ""),
				Type:   cfgString(m, "type", "event"),
			})
		}
	}

	transport := &http.Transport{}
	if !cfgBool(cfg, "verify_tls", true) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	jar, _ := cookiejar.New(nil)

	headers := cfgStringMap(cfg, "headers")
	if headers == nil {
		headers = make(map[string]string)
	}

	return &restPoller{
		kind:     kind,
		baseURL:  base,
		host:     u.Hostname(),
		targets:  targets,
		itemKeys: itemKeys,
		headers:  headers,
		auth:     make(map[string]string),
		interval: time.Duration(cfgFloat(cfg, "interval_sec", 60)) * time.Second,
		client:   &http.Client{Timeout: 20 * time.Second, Transport: transport, Jar: jar},
		emit:     emit,
	}, nil
}

// Name implements Producer.
func (p *restPoller) Name() string { return p.kind }

// Run implements Producer.
func (p *restPoller) Run(ctx context.Context) error {
	if p.authenticate != nil {
		if err := p.authenticate(ctx, p); err != nil {
			slog.Warn("Vendor authentication failed, will retry on poll", "kind", p.kind, "host", p.host, "error", err)
		}
	}

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

func (p *restPoller) pollAll(ctx context.Context) {
	for _, target := range p.targets {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollTarget(ctx, target); err != nil && ctx.Err() == nil {
			slog.Warn("Vendor poll failed", "kind", p.kind, "host", p.host, "path", target.Path, "error", err)
		}
	}
}

func (p *restPoller) pollTarget(ctx context.Context, target pollTarget) error {
	body, status, err := p.fetch(ctx, target)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && p.authenticate != nil {
		if err := p.authenticate(ctx, p); err != nil {
			return fmt.Errorf("re-authentication: %w", err)
		}
		body, status, err = p.fetch(ctx, target)
		if err != nil {
			return err
		}
	}
	if status >= 400 {
		return fmt.Errorf("%s %s: status %d", target.Method, target.Path, status)
	}
	return p.emitItems(ctx, target, body)
}

func (p *restPoller) fetch(ctx context.Context, target pollTarget) ([]byte, int, error) {
	method := target.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+target.Path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	for k, v := range p.auth {
		req.Header.Set(k, v)
	}
	if p.basicUser != "" {
		req.SetBasicAuth(p.basicUser, p.basicPass)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

// emitItems unwraps the item list from the response and emits one line per
// item. Bodies may be a bare array or an object wrapping the list under any
// of the vendor's envelope keys; anything else is emitted whole.
func (p *restPoller) emitItems(ctx context.Context, target pollTarget, raw []byte) error {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode %s: %w", target.Path, err)
	}

	var items []any
	switch body := decoded.(type) {
	case []any:
		items = body
	case map[string]any:
		for _, key := range p.itemKeys {
			if list, ok := body[key].([]any); ok {
				items = list
				break
			}
		}
		if items == nil {
			items = []any{body}
		}
	default:
		return nil
	}

	source := fmt.Sprintf("%s:%s", p.kind, p.host)
	for _, item := range items {
		var payload map[string]any
		if m, ok := item.(map[string]any); ok {
			payload = make(map[string]any, len(m)+1)
			for k, v := range m {
				payload[k] = v
			}
		} else {
			payload = map[string]any{"body": item}
		}
		payload["type"] = target.Type

		line, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if err := p.emit(ctx, map[string]any{"source": source, "line": string(line)}); err != nil {
			return err
		}
	}
	return nil
}

func (p *restPoller) postJSON(ctx context.Context, path string, body any, headers map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return p.client.Do(req)
}

// Splunk: basic auth against the management port; fired alerts and health.

func newSplunk(cfg map[string]any, emit Emitter) (Producer, error) {
	p, err := newRESTPoller(cfg, emit, "splunk", "",
		[]pollTarget{
			{Path: "/services/alerts/fired_alerts?output_mode=json", Type: "alert"},
			{Path: "/services/server/health/splunkd?output_mode=json", Type: "health"},
		},
		[]string{"entry", "results", "items"})
	if err != nil {
		return nil, err
	}
	p.basicUser = cfgString(cfg, "username", "")
	p.basicPass = cfgString(cfg, "password", "")
	return p, nil
}

// Datadog: API plus application key headers against the public API.

func newDatadog(cfg map[string]any, emit Emitter) (Producer, error) {
	p, err := newRESTPoller(cfg, emit, "datadog", "https://api.datadoghq.com",
		[]pollTarget{
			{Path: "/api/v1/events", Type: "event"},
			{Path: "/api/v1/monitor", Type: "monitor"},
		},
		[]string{"events", "monitors", "data", "items"})
	if err != nil {
		return nil, err
	}
	if key := cfgString(cfg, "api_key", ""); key != "" {
		p.headers["DD-API-KEY"] = key
	}
	if key := cfgString(cfg, "app_key", ""); key != "" {
		p.headers["DD-APPLICATION-KEY"] = key
	}
	if p.headers["DD-API-KEY"] == "" {
		return nil, fmt.Errorf("datadog requires api_key")
	}
	return p, nil
}

// ThousandEyes: bearer token against the v7 API.

func newThousandEyes(cfg map[string]any, emit Emitter) (Producer, error) {
	p, err := newRESTPoller(cfg, emit, "thousandeyes", "https://api.thousandeyes.com",
		[]pollTarget{
			{Path: "/v7/alerts", Type: "alert"},
			{Path: "/v7/outages", Type: "outage"},
		},
		[]string{"alerts", "outages", "items"})
	if err != nil {
		return nil, err
	}
	token := cfgString(cfg, "token", "")
	if token == "" {
		return nil, fmt.Errorf("thousandeyes requires token")
	}
	p.headers["Authorization"] = "Bearer " + token
	return p, nil
}

// Cisco Catalyst Center: token handshake via basic auth, then X-Auth-Token on
// every poll. Health domains become health_<domain> items.

func newCatalyst(cfg map[string]any, emit Emitter) (Producer, error) {
	p, err := newRESTPoller(cfg, emit, "catalyst", "",
		[]pollTarget{
			{Path: "/dna/intent/api/v1/network-health", Type: "health_network"},
			{Path: "/dna/intent/api/v1/client-health", Type: "health_client"},
			{Path: "/dna/intent/api/v1/device-health", Type: "health_device"},
			{Path: "/dna/intent/api/v1/events", Type: "event"},
		},
		[]string{"response", "health", "items"})
	if err != nil {
		return nil, err
	}
	user := cfgString(cfg, "username", "")
	pass := cfgString(cfg, "password", "")
	authPath := cfgString(cfg, "auth_path", "/dna/system/api/v1/auth/token")
	if user == "" {
		return nil, fmt.Errorf("catalyst requires username and password")
	}

	p.authenticate = func(ctx context.Context, p *restPoller) error {
		basic := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		resp, err := p.postJSON(ctx, authPath, map[string]any{}, map[string]string{
			"Authorization": "Basic " + basic,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("token request: status %d", resp.StatusCode)
		}
		token := resp.Header.Get("X-Auth-Token")
		if token == "" {
			var body struct {
				Token string `json:"Token"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("token response: %w", err)
			}
			token = body.Token
		}
		if token == "" {
			return fmt.Errorf("token response contained no token")
		}
		p.auth["X-Auth-Token"] = token
		return nil
	}
	return p, nil
}

// SquaredUp: API-key bearer.

func newSquaredUp(cfg map[string]any, emit Emitter) (Producer, error) {
	p, err := newRESTPoller(cfg, emit, "squaredup", "",
		[]pollTarget{
			{Path: "/api/monitors", Type: "monitor"},
			{Path: "/api/notifications", Type: "notification"},
		},
		[]string{"items", "results", "data"})
	if err != nil {
		return nil, err
	}
	key := cfgString(cfg, "api_key", "")
	if key == "" {
		return nil, fmt.Errorf("squaredup requires api_key")
	}
	p.headers["Authorization"] = "Bearer " + key
	return p, nil
}

// SCOM: session handshake posting the base64 "(Network):domain\user:pass"
// credential, CSRF token echoed back as a header, 401 triggers one re-auth.

func newSCOM(cfg map[string]any, emit Emitter) (Producer, error) {
	p, err := newRESTPoller(cfg, emit, "scom", "",
		[]pollTarget{
			{Path: "/OperationsManager/data/alert", Type: "alert"},
			{Path: "/OperationsManager/data/performance", Type: "perf"},
			{Path: "/OperationsManager/data/event", Type: "event"},
		},
		[]string{"items", "rows", "results"})
	if err != nil {
		return nil, err
	}
	domain := cfgString(cfg, "domain", "")
	user := cfgString(cfg, "username", "")
	pass := cfgString(cfg, "password", "")
	if user == "" {
		return nil, fmt.Errorf("scom requires username and password")
	}

	p.authenticate = func(ctx context.Context, p *restPoller) error {
		cred := fmt.Sprintf("(Network):%s\\%s:%s", domain, user, pass)
		encoded := base64.StdEncoding.EncodeToString([]byte(cred))
		resp, err := p.postJSON(ctx, "/OperationsManager/authenticate", encoded, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 400 {
			return fmt.Errorf("authenticate: status %d", resp.StatusCode)
		}
		for _, cookie := range p.client.Jar.Cookies(resp.Request.URL) {
			if cookie.Name == "SCOM-CSRF-TOKEN" {
				token, err := url.QueryUnescape(cookie.Value)
				if err != nil {
					token = cookie.Value
				}
				p.auth["SCOM-CSRF-TOKEN"] = token
				return nil
			}
		}
		return fmt.Errorf("authenticate: no CSRF cookie in response")
	}
	return p, nil
}

// BlueCat: basic auth against the v2 REST API.

func newBlueCat(cfg map[string]any, emit Emitter) (Producer, error) {
	p, err := newRESTPoller(cfg, emit, "bluecat", "",
		[]pollTarget{
			{Path: "/api/v2/events", Type: "event"},
			{Path: "/api/v2/alerts", Type: "alert"},
		},
		[]string{"data", "items", "results"})
	if err != nil {
		return nil, err
	}
	p.basicUser = cfgString(cfg, "username", "")
	p.basicPass = cfgString(cfg, "password", "")
	return p, nil
}

// Dell OpenManage Enterprise: basic auth, OData "value" envelopes.

func newDellOME(cfg map[string]any, emit Emitter) (Producer, error) {
	p, err := newRESTPoller(cfg, emit, "dell_ome", "",
		[]pollTarget{
			{Path: "/api/AlertService/Alerts", Type: "alert"},
			{Path: "/api/JobService/Jobs", Type: "job"},
		},
		[]string{"value", "items"})
	if err != nil {
		return nil, err
	}
	p.basicUser = cfgString(cfg, "username", "")
	p.basicPass = cfgString(cfg, "password", "")
	return p, nil
}
