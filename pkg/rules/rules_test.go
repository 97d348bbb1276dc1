package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		hasSignal bool
		label     string
		score     float64
	}{
		{
			name:      "disk io error",
			text:      "kernel: blk_update_request: I/O error, dev sda, sector 12345",
			hasSignal: true,
			label:     "disk",
			score:     0.2,
		},
		{
			name:      "raid degraded",
			text:      "mdadm: RAID degraded on /dev/md0",
			hasSignal: true,
			label:     "raid",
			score:     0.2,
		},
		{
			name:      "thermal throttle",
			text:      "CPU3: thermal throttle engaged (total events = 12)",
			hasSignal: true,
			label:     "thermal",
			score:     0.2,
		},
		{
			name:      "oom killer is memory",
			text:      "Out of memory: OOM killer invoked for process 4242",
			hasSignal: true,
			label:     "memory",
			score:     0.2,
		},
		{
			name:      "benign line has no signal",
			text:      "sshd[2541]: Accepted publickey for deploy from 10.0.0.5",
			hasSignal: false,
			label:     "unknown",
			score:     0,
		},
		{
			name:      "empty line has no signal",
			text:      "",
			hasSignal: false,
			label:     "unknown",
			score:     0,
		},
		{
			name:      "multiple categories raise the score",
			text:      "disk failure after thermal throttle, ECC error reported",
			hasSignal: true,
			label:     "disk",
			score:     0.6000000000000001,
		},
		{
			name:      "case insensitive",
			text:      "FSCK found FILESYSTEM ERROR on boot",
			hasSignal: true,
			label:     "disk",
			score:     0.2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Match(tt.text)
			assert.Equal(t, tt.hasSignal, sig.HasSignal)
			assert.Equal(t, tt.label, sig.Label)
			assert.InDelta(t, tt.score, sig.Score, 1e-9)
		})
	}
}

func TestMatch_ScoreCapsAtOne(t *testing.T) {
	text := "disk failure mdadm nvme error overheat ecc error psu machine check link down"
	sig := Match(text)
	assert.True(t, sig.HasSignal)
	assert.Equal(t, 1.0, sig.Score)
	assert.Len(t, sig.Evidence, 8)
}

func TestMajorityLabel(t *testing.T) {
	docs := []string{
		"I/O error, dev sda, sector 100",
		"read error on /dev/sdb",
		"thermal throttle engaged",
		"Accepted publickey for deploy",
	}
	label, source := MajorityLabel(docs)
	assert.Equal(t, "disk", label)
	assert.Equal(t, "keyword_rules", source)
}

func TestMajorityLabel_NoSignal(t *testing.T) {
	label, source := MajorityLabel([]string{"session opened", "session closed"})
	assert.Equal(t, "unknown", label)
	assert.Equal(t, "no_signal", source)
}

func TestNormalizeFailureType(t *testing.T) {
	assert.Equal(t, "disk", NormalizeFailureType("disk"))
	assert.Equal(t, "windows_update", NormalizeFailureType("windows_update"))
	assert.Equal(t, "unknown", NormalizeFailureType("flux_capacitor"))
	assert.Equal(t, "unknown", NormalizeFailureType(""))
}

func TestFailureTypes_Complete(t *testing.T) {
	assert.Len(t, FailureTypes, 23)
	for _, ft := range FailureTypes {
		assert.True(t, ValidFailureType(ft), "taxonomy member %q must validate", ft)
	}
}
