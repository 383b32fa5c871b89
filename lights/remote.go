package lights

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/dali"
)

// Remote forwards light commands to another controller's command topic
// instead of driving the local bus. Payloads are compact text commands
// decoded by the peer's router: "pt <preset> <lights>", "sl <lights>
// <level>", "di <delta> <groups>" and "dg <delta> <groups>".
type Remote struct {
	cfg      *config.Store
	reporter Reporter
	topic    string
	logger   zerolog.Logger
}

// NewRemote creates the forwarding backend targeting the peer topic.
func NewRemote(cfg *config.Store, reporter Reporter, topic string, logger zerolog.Logger) *Remote {
	return &Remote{
		cfg:      cfg,
		reporter: reporter,
		topic:    topic,
		logger:   logger.With().Str("component", "remote-lights").Logger(),
	}
}

func (r *Remote) send(payload string) {
	r.reporter.Publish(r.topic, payload, false)
}

func (r *Remote) SelectPreset(nameOrIndex, lightsSpec string, internal bool) {
	r.send("pt " + nameOrIndex + " " + lightsSpec)
}

func (r *Remote) SetLevel(lightsSpec string, level int) {
	if level < 0 || level > dali.MaxLevel {
		return
	}
	r.send("sl " + lightsSpec + " " + strconv.Itoa(level))
}

// SetPower is local-only state; the peer learns supply state from its own
// inputs.
func (r *Remote) SetPower(addresses config.AddressSet, on bool) {}

func (r *Remote) DimAdjust(dimmerID, delta int) {
	if delta < -dali.MaxLevel || delta > dali.MaxLevel {
		return
	}
	binding, ok := r.cfg.Dimmer(dimmerID)
	if !ok {
		return
	}
	cmd := "di"
	if binding.Mode == config.DimmerGroup {
		cmd = "dg"
	}
	r.send(cmd + " " + strconv.Itoa(delta) + " " + strings.Join(binding.Groups, ","))
}

func (r *Remote) RequestGroupSync(group string) {}

func (r *Remote) RequestBroadcastPowerOnLevel() {}

func (r *Remote) RequestBroadcastSystemFailureLevel() {}
