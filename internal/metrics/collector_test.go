package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeTurns struct{ running bool }

func (f fakeTurns) Running() bool { return f.running }

type fakeLock struct{ held bool }

func (f fakeLock) Held() bool { return f.held }

type fakeDirectory struct {
	registered map[string]int
	healthy    map[string]int
}

func (f fakeDirectory) Counts() (map[string]int, map[string]int) {
	return f.registered, f.healthy
}

func TestCollectorLiveGauges(t *testing.T) {
	c := NewCollector(
		fakeTurns{running: true},
		fakeLock{held: false},
		fakeDirectory{
			registered: map[string]int{"tts": 2, "stt": 1},
			healthy:    map[string]int{"tts": 1},
		},
	)

	expected := `
# HELP voicemode_conch_held Whether the cross-process turn lock is held (0 or 1).
# TYPE voicemode_conch_held gauge
voicemode_conch_held 0
# HELP voicemode_providers_healthy Providers with a fresh healthy check per role.
# TYPE voicemode_providers_healthy gauge
voicemode_providers_healthy{role="stt"} 0
voicemode_providers_healthy{role="tts"} 1
# HELP voicemode_providers_registered Registered speech providers per role.
# TYPE voicemode_providers_registered gauge
voicemode_providers_registered{role="stt"} 1
voicemode_providers_registered{role="tts"} 2
# HELP voicemode_turn_active Whether a conversation turn is in progress (0 or 1).
# TYPE voicemode_turn_active gauge
voicemode_turn_active 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected)); err != nil {
		t.Fatal(err)
	}
}

func TestCollectorNilSources(t *testing.T) {
	c := NewCollector(nil, nil, nil)

	expected := `
# HELP voicemode_conch_held Whether the cross-process turn lock is held (0 or 1).
# TYPE voicemode_conch_held gauge
voicemode_conch_held 0
# HELP voicemode_turn_active Whether a conversation turn is in progress (0 or 1).
# TYPE voicemode_turn_active gauge
voicemode_turn_active 0
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"voicemode_turn_active", "voicemode_conch_held")
	if err != nil {
		t.Fatal(err)
	}
}
