// Package lights holds the authoritative desired light state and the
// capability surface used by inputs and the command router to mutate it.
package lights

import (
	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/dali"
)

// ForceRefreshCount is the number of retransmits queued for an address when
// its supply power returns; the fixture may have forgotten its level.
const ForceRefreshCount = 2

// Sink is the command surface shared by the local model and the remote
// forwarder. The backend is chosen once at boot.
type Sink interface {
	SelectPreset(nameOrIndex, lightsSpec string, internal bool)
	SetLevel(lightsSpec string, level int)
	SetPower(addresses config.AddressSet, on bool)
	DimAdjust(dimmerID, delta int)
	RequestGroupSync(group string)
	RequestBroadcastPowerOnLevel()
	RequestBroadcastSystemFailureLevel()
}

// Reporter is the outbound broker surface used for reports and retained
// state topics.
type Reporter interface {
	Report(tag, message string)
	Publish(topic, payload string, retain bool)
	Connected() bool
}

func clampLevel(level int) uint8 {
	if level < 0 {
		return 0
	}
	if level > dali.MaxLevel {
		return dali.MaxLevel
	}
	return uint8(level)
}
