package ingest

import (
	"bytes"
	"strings"
)

// Kind says where a packet goes after classification.
type Kind int

const (
	// Drop covers topics outside the ingestion contract.
	Drop Kind = iota
	// Telemetry is a data/… measurement routed through the table resolver.
	Telemetry
	// ControlLog is a control event written to the control log table.
	ControlLog
	// CommandLogJSON is a commands/<id> packet with a JSON payload.
	CommandLogJSON
	// CommandLogRaw is a commands/sync/<id> packet kept as a raw string.
	CommandLogRaw
)

func (k Kind) String() string {
	switch k {
	case Telemetry:
		return "telemetry"
	case ControlLog:
		return "control"
	case CommandLogJSON:
		return "command"
	case CommandLogRaw:
		return "command_raw"
	default:
		return "drop"
	}
}

// Action is the routing decision for one packet. DevID is set only when the
// identifier comes from the topic or a text payload; telemetry and control
// packets carry it inside their JSON body instead.
type Action struct {
	Kind  Kind
	DevID string
}

const (
	topicData        = "data/"
	topicControl     = "control/"
	topicCommands    = "commands/"
	topicCommandSync = "commands/sync/"
	topicSync        = "sync"
)

// Classify maps a topic and payload to an action. Rules are ordered; the
// first match wins. The bare "sync" topic carries clock packets of the form
// "SYNC <dev_id>" or "TIME <dev_id>", both with the identifier at offset 5.
func Classify(topic string, payload []byte) Action {
	switch {
	case strings.HasPrefix(topic, topicData):
		return Action{Kind: Telemetry}
	case strings.HasPrefix(topic, topicControl):
		return Action{Kind: ControlLog}
	case strings.HasPrefix(topic, topicCommandSync):
		return Action{Kind: CommandLogRaw, DevID: topic[len(topicCommandSync):]}
	case strings.HasPrefix(topic, topicCommands):
		return Action{Kind: CommandLogJSON, DevID: topic[len(topicCommands):]}
	case topic == topicSync && (bytes.HasPrefix(payload, []byte("SYNC ")) || bytes.HasPrefix(payload, []byte("TIME "))):
		return Action{Kind: ControlLog, DevID: string(payload[5:])}
	default:
		return Action{Kind: Drop}
	}
}
