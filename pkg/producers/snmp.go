package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gosnmp/gosnmp"
)

func init() {
	Register("snmp", newSNMPPoller)
}

// SNMPPoller GETs a fixed OID list from each host on an interval. Values are
// emitted as JSON lines; the community string is masked in the payload.
type SNMPPoller struct {
	hosts     []string
	port      uint16
	community string
	oids      []string
	interval  time.Duration
	timeout   time.Duration
	emit      Emitter
}

func newSNMPPoller(cfg map[string]any, emit Emitter) (Producer, error) {
	hosts := cfgStrings(cfg, "hosts")
	if len(hosts) == 0 {
		if h := cfgString(cfg, "host", ""); h != "" {
			hosts = []string{h}
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("snmp requires hosts")
	}
	oids := cfgStrings(cfg, "oids")
	if len(oids) == 0 {
		return nil, fmt.Errorf("snmp requires oids")
	}
	return &SNMPPoller{
		hosts:     hosts,
		port:      uint16(cfgInt(cfg, "port", 161)),
		community: cfgString(cfg, "community", "public"),
		oids:      oids,
		interval:  time.Duration(cfgFloat(cfg, "interval_sec", 60)) * time.Second,
		timeout:   time.Duration(cfgFloat(cfg, "timeout_sec", 5)) * time.Second,
		emit:      emit,
	}, nil
}

// Name implements Producer.
func (s *SNMPPoller) Name() string { return "snmp" }

// Run implements Producer.
func (s *SNMPPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pollAll(ctx)
		}
	}
}

func (s *SNMPPoller) pollAll(ctx context.Context) {
	for _, host := range s.hosts {
		if ctx.Err() != nil {
			return
		}
		if err := s.pollHost(ctx, host); err != nil {
			slog.Warn("SNMP poll failed", "host", host, "error", err)
		}
	}
}

// pollHost connects fresh each cycle; agents with small session tables cope
// better than with long-lived sessions.
func (s *SNMPPoller) pollHost(ctx context.Context, host string) error {
	client := &gosnmp.GoSNMP{
		Target:    host,
		Port:      s.port,
		Community: s.community,
		Version:   gosnmp.Version2c,
		Timeout:   s.timeout,
		Retries:   1,
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", host, err)
	}
	defer client.Conn.Close()

	for _, oid := range s.oids {
		result, err := client.Get([]string{oid})
		if err != nil {
			slog.Warn("SNMP GET failed", "host", host, "oid", oid, "error", err)
			continue
		}
		for _, variable := range result.Variables {
			if variable.Type == gosnmp.NoSuchObject || variable.Type == gosnmp.NoSuchInstance {
				continue
			}
			payload, err := json.Marshal(map[string]any{
				"host":      host,
				"port":      s.port,
				"community": "***",
				"oid":       variable.Name,
				"value":     snmpValue(variable),
			})
			if err != nil {
				continue
			}
			entry := map[string]any{
				"source": fmt.Sprintf("snmp:%s", host),
				"line":   string(payload),
			}
			if err := s.emit(ctx, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func snmpValue(v gosnmp.SnmpPDU) any {
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b)
		}
		return v.Value
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Integer, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).Int64()
	default:
		return fmt.Sprintf("%v", v.Value)
	}
}
