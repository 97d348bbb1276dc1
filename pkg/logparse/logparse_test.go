package logparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinux(t *testing.T) {
	line := "Jun 14 15:16:01 combo sshd(pam_unix)[19939]: authentication failure; logname= uid=0 ERROR"
	parsed, ok := ParseLinux(line)
	require.True(t, ok)

	assert.Equal(t, "linux", parsed.OS)
	assert.Equal(t, "sshd(pam_unix)", parsed.Component)
	assert.Equal(t, "19939", parsed.PID)
	assert.Equal(t, "authentication failure; logname= uid=0 ERROR", parsed.Content)
	assert.Equal(t, "ERROR", parsed.Level)
	assert.Equal(t, "Jun", parsed.Fields["month"])
	assert.Equal(t, "14", parsed.Fields["date"])
	assert.Equal(t, "15:16:01", parsed.Fields["time"])
	assert.Equal(t, "combo", parsed.Fields["host"])
}

func TestParseLinux_LevelIsUppercased(t *testing.T) {
	line := "Jun 14 15:16:01 combo su[2541]: warning: cannot open shared object"
	parsed, ok := ParseLinux(line)
	require.True(t, ok)
	assert.Equal(t, "WARNING", parsed.Level)
}

func TestParseLinux_NoMatch(t *testing.T) {
	_, ok := ParseLinux("free-form text without syslog structure")
	assert.False(t, ok)

	// No [PID] segment.
	_, ok = ParseLinux("Jun 14 15:16:01 combo kernel: out of memory")
	assert.False(t, ok)
}

func TestParseMacOS(t *testing.T) {
	line := "Jul  1 09:00:55 calvisitor-10-105-160-95 kernel[0]: ARPT: 620701.011328: wl0: Roamed or switched channel 10.105.160.95"
	parsed, ok := ParseMacOS(line)
	require.True(t, ok)

	assert.Equal(t, "macos", parsed.OS)
	assert.Equal(t, "kernel", parsed.Component)
	assert.Equal(t, "0", parsed.PID)
	assert.Equal(t, "calvisitor-10-105-160-95", parsed.Fields["user"])
	assert.NotEmpty(t, parsed.Fields["address"], "address-like token extracted from content")
}

func TestParseWindows(t *testing.T) {
	line := "2016-09-28 04:30:30, Info                  CBS    Loaded Servicing Stack v6.1.7601.23505"
	parsed, ok := ParseWindows(line)
	require.True(t, ok)

	assert.Equal(t, "windows", parsed.OS)
	assert.Equal(t, "Info", parsed.Level)
	assert.Equal(t, "CBS", parsed.Component)
	assert.Equal(t, "Loaded Servicing Stack v6.1.7601.23505", parsed.Content)
	assert.Equal(t, "2016-09-28", parsed.Fields["date"])
	assert.Empty(t, parsed.PID, "CBS lines carry no pid")
}

func TestParse_UnknownOSHasNoParser(t *testing.T) {
	_, ok := Parse("network", "anything")
	assert.False(t, ok)
	_, ok = Parse("unknown", "anything")
	assert.False(t, ok)
}

func TestInferOS(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"Linux_2k.log", "linux"},
		{"linux.log", "linux"},
		{"Mac_2k.log", "macos"},
		{"mac.log", "macos"},
		{"Windows_2k.log", "windows"},
		{"windows.log", "windows"},
		{"thousandeyes:macos", "network"},
		{"catalyst:switch-7", "network"},
		{"snmp:10.0.0.1", "network"},
		{"dcim_http:rack-4", "network"},
		{"scom:mgmt-host", "windows"},
		{"squaredup:dash-1", "windows"},
		{"journald", "unknown"},
		{"", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			assert.Equal(t, tt.want, InferOS(tt.source))
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "snmp", Kind("snmp:10.0.0.1"))
	assert.Equal(t, "redfish_log", Kind("redfish_log:idrac-3:syslog"))
	assert.Equal(t, "linux.log", Kind("linux.log"))
}
