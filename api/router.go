// Package api implements the pub/sub control surface: the inbound topic
// grammar and the startup-complete round trip.
package api

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/lights"
	"github.com/edinburghhacklab/mqtt-dali-controller/telemetry"
)

// Broker is the router's view of the broker client.
type Broker interface {
	Subscribe(topic string)
	Publish(topic, payload string, retain bool)
	DeviceID() string
}

// Model is the router's view of the local light model. Nil in remote mode.
type Model interface {
	StartupComplete(state bool)
	AddressConfigChanged(group string)
}

// DebugPublisher publishes encoder debug logs on request.
type DebugPublisher interface {
	PublishDebug(dimmerID int)
}

// Router parses broker messages into config and light-model calls.
type Router struct {
	net       Broker
	cfg       *config.Store
	sink      lights.Sink
	model     Model
	dimmers   DebugPublisher
	collector telemetry.Collector
	logger    zerolog.Logger
	prefix    string

	reboot func()
	status func() string

	startupComplete atomic.Bool
}

// New builds the router. model and dimmers may be nil (remote mode); reboot
// and status are supplied by the service.
func New(net Broker, cfg *config.Store, sink lights.Sink, model Model,
	dimmers DebugPublisher, topicPrefix string, reboot func(), status func() string,
	collector telemetry.Collector, logger zerolog.Logger) *Router {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Router{
		net:       net,
		cfg:       cfg,
		sink:      sink,
		model:     model,
		dimmers:   dimmers,
		collector: collector,
		logger:    logger.With().Str("component", "api").Logger(),
		prefix:    topicPrefix,
		reboot:    reboot,
		status:    status,
	}
}

// StartupComplete reports whether the startup round trip has finished.
func (r *Router) StartupComplete() bool {
	return r.startupComplete.Load()
}

// Connected is the broker on-connect hook: subscribe to the whole command
// surface and start the startup-complete round trip. Runs again on every
// reconnect so subscriptions survive broker restarts.
func (r *Router) Connected() {
	r.setStartupComplete(false)

	r.net.Subscribe("meta/mqtt-agents/poll")
	for _, suffix := range []string{
		"/startup_complete",
		"/reboot",
		"/reload",
		"/status",
		"/addresses",
		"/group/+",
		"/groups/sync",
		"/switch/+/name",
		"/switch/+/group",
		"/switch/+/preset",
		"/dimmer/+/groups",
		"/dimmer/+/encoder_steps",
		"/dimmer/+/level_steps",
		"/dimmer/+/mode",
		"/dimmer/+/get_debug",
		"/preset/+",
		"/preset/+/+",
		"/set/+",
		"/command/store/power_on_level",
		"/command/store/system_failure_level",
		"/remote",
	} {
		r.net.Subscribe(r.prefix + suffix)
	}

	r.net.Publish("meta/mqtt-agents/announce", r.net.DeviceID(), false)
	r.net.Publish(r.prefix+"/startup_complete", "", false)
}

func (r *Router) setStartupComplete(state bool) {
	r.startupComplete.Store(state)
	if r.model != nil {
		r.model.StartupComplete(state)
	}
}

// Receive dispatches one inbound message. Parse failures drop the message
// and count it; state is never mutated partially.
func (r *Router) Receive(topic string, payload []byte) {
	text := string(payload)

	if topic == "meta/mqtt-agents/poll" {
		r.net.Publish("meta/mqtt-agents/reply", r.net.DeviceID(), false)
		return
	}
	if !strings.HasPrefix(topic, r.prefix+"/") {
		return
	}
	parts := strings.Split(topic[len(r.prefix)+1:], "/")

	switch parts[0] {
	case "startup_complete":
		if !r.startupComplete.Load() {
			r.logger.Info().Msg("startup complete")
			r.setStartupComplete(true)
			r.cfg.SaveNow()
			r.cfg.PublishConfig()
		}

	case "reboot":
		r.cfg.SaveNow()
		if r.reboot != nil {
			r.reboot()
		}

	case "reload":
		r.cfg.Load()
		r.cfg.SaveNow()
		r.cfg.PublishConfig()
		if r.model != nil {
			r.model.AddressConfigChanged("")
		}

	case "status":
		if r.status != nil {
			r.net.Publish(r.prefix+"/status_report", r.status(), false)
		}

	case "addresses":
		r.cfg.SetAddresses(text)
		if r.model != nil {
			r.model.AddressConfigChanged("")
		}

	case "group":
		if len(parts) != 2 {
			return
		}
		r.receiveGroup(parts[1], text)

	case "groups":
		if len(parts) == 2 && parts[1] == "sync" {
			r.sink.RequestGroupSync("")
		}

	case "switch":
		r.receiveSwitch(parts[1:], text)

	case "dimmer":
		r.receiveDimmer(parts[1:], text)

	case "preset":
		r.receivePreset(parts[1:], text)

	case "set":
		if len(parts) != 2 {
			return
		}
		value, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			r.collector.IncParseError("set")
			return
		}
		r.sink.SetLevel(parts[1], value)

	case "command":
		if len(parts) == 3 && parts[1] == "store" {
			switch parts[2] {
			case "power_on_level":
				r.sink.RequestBroadcastPowerOnLevel()
			case "system_failure_level":
				r.sink.RequestBroadcastSystemFailureLevel()
			}
		}

	case "remote":
		r.receiveRemote(text)
	}
}

func (r *Router) receiveGroup(name, payload string) {
	switch payload {
	case config.ReservedGroupSync:
		r.sink.RequestGroupSync(name)
	case "":
		if r.cfg.DeleteGroup(name) && r.model != nil {
			r.model.AddressConfigChanged(name)
		}
	default:
		changed, ok := r.cfg.SetGroupAddresses(name, payload)
		if !ok {
			r.collector.IncParseError("group")
			return
		}
		if r.model != nil {
			r.model.AddressConfigChanged(name)
		}
		if changed {
			r.sink.RequestGroupSync(name)
		}
	}
}

func (r *Router) receiveSwitch(parts []string, payload string) {
	if len(parts) != 2 {
		return
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		r.collector.IncParseError("switch")
		return
	}
	switch parts[1] {
	case "name":
		r.cfg.SetSwitchName(id, payload)
	case "group":
		r.cfg.SetSwitchGroup(id, payload)
	case "preset":
		r.cfg.SetSwitchPreset(id, payload)
	}
}

func (r *Router) receiveDimmer(parts []string, payload string) {
	if len(parts) != 2 {
		return
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		r.collector.IncParseError("dimmer")
		return
	}
	switch parts[1] {
	case "groups":
		r.cfg.SetDimmerGroups(id, payload)
	case "encoder_steps":
		if value, err := strconv.Atoi(strings.TrimSpace(payload)); err == nil {
			r.cfg.SetDimmerEncoderSteps(id, value)
		} else {
			r.collector.IncParseError("dimmer")
		}
	case "level_steps":
		if value, err := strconv.Atoi(strings.TrimSpace(payload)); err == nil {
			r.cfg.SetDimmerLevelSteps(id, value)
		} else {
			r.collector.IncParseError("dimmer")
		}
	case "mode":
		r.cfg.SetDimmerMode(id, payload)
	case "get_debug":
		if r.dimmers != nil {
			r.dimmers.PublishDebug(id)
		}
	}
}

func (r *Router) receivePreset(parts []string, payload string) {
	switch len(parts) {
	case 1:
		if parts[0] == config.ReservedPresetOrder {
			r.cfg.SetPresetOrder(payload)
			return
		}
		if payload == "" {
			payload = config.BuiltinGroupAll
		}
		r.sink.SelectPreset(parts[0], payload, false)

	case 2:
		name, spec := parts[0], parts[1]
		switch spec {
		case config.ReservedGroupDelete:
			r.cfg.DeletePreset(name)
		case config.ReservedGroupLevels:
			r.cfg.SetPresetLevels(name, payload)
		default:
			value := config.LevelSentinel
			if trimmed := strings.TrimSpace(payload); trimmed != "" {
				parsed, err := strconv.Atoi(trimmed)
				if err != nil {
					r.collector.IncParseError("preset")
					return
				}
				value = parsed
			}
			r.cfg.SetPresetLevel(name, spec, value)
		}
	}
}

// receiveRemote decodes the compact commands forwarded by a peer controller
// in remote mode: "pt <preset> <lights>", "sl <lights> <level>",
// "di <delta> <groups>", "dg <delta> <groups>".
func (r *Router) receiveRemote(payload string) {
	fields := strings.Fields(payload)
	if len(fields) != 3 {
		r.collector.IncParseError("remote")
		return
	}
	switch fields[0] {
	case "pt":
		r.sink.SelectPreset(fields[1], fields[2], false)
	case "sl":
		level, err := strconv.Atoi(fields[2])
		if err != nil {
			r.collector.IncParseError("remote")
			return
		}
		r.sink.SetLevel(fields[1], level)
	case "di", "dg":
		delta, err := strconv.Atoi(fields[1])
		if err != nil {
			r.collector.IncParseError("remote")
			return
		}
		r.remoteDim(fields[0] == "dg", delta, strings.Split(fields[2], ","))
	default:
		r.collector.IncParseError("remote")
	}
}

// remoteDim applies a forwarded dim adjustment; the peer supplies the group
// list and mode.
func (r *Router) remoteDim(group bool, delta int, groups []string) {
	model, ok := r.sink.(*lights.Model)
	if !ok {
		return
	}
	model.DimGroups(groups, delta, group)
}
