package device

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
)

// CommandTarget selects the transport a command is routed over.
type CommandTarget string

const (
	TargetMQTT CommandTarget = "MQTT"
	TargetHTTP CommandTarget = "HTTP"
)

// Command sets and ids understood by the panel firmware.
const (
	CmdSetCommand = 11

	CmdIDBreakerControl = 16
	CmdIDBatteryControl = 17
	CmdIDEPS            = 24
)

// Command is one outbound device command. Immutable once constructed; the
// wire message carries only vendor-visible fields.
type Command struct {
	id     int64
	sn     string
	cmdSet int
	cmdID  int
	params map[string]any
	effect *stateEffect
}

// stateEffect is the field write a successful acknowledgement confirms.
type stateEffect struct {
	domain Domain
	key    FieldKey
	value  any
}

// NewCommand builds a command with a fresh random id. The id space is
// 31-bit to make in-flight collisions negligible; on the off chance two
// ids collide the correlator's last registration wins.
func NewCommand(sn string, cmdSet, cmdID int, params map[string]any) Command {
	return Command{
		id:     int64(rand.Int32N(1<<31-100000) + 100000),
		sn:     sn,
		cmdSet: cmdSet,
		cmdID:  cmdID,
		params: params,
	}
}

// ID returns the correlation id.
func (c Command) ID() int64 { return c.id }

// SN returns the target device serial number.
func (c Command) SN() string { return c.sn }

// CmdSet returns the vendor command-set number.
func (c Command) CmdSet() int { return c.cmdSet }

// CmdID returns the vendor command id within the set.
func (c Command) CmdID() int { return c.cmdID }

// Params returns a copy of the extra command parameters.
func (c Command) Params() map[string]any {
	out := make(map[string]any, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// WithStateEffect declares the field value the command is expected to
// produce. The dispatcher applies it once the device acknowledges, so the
// control surface reflects the change before the next delta confirms it.
func (c Command) WithStateEffect(domain Domain, key FieldKey, value any) Command {
	c.effect = &stateEffect{domain: domain, key: key, value: value}
	return c
}

// StateEffect returns the declared field write, if any.
func (c Command) StateEffect() (Domain, FieldKey, any, bool) {
	if c.effect == nil {
		return "", FieldKey{}, nil, false
	}
	return c.effect.domain, c.effect.key, c.effect.value, true
}

// WireMessage serializes the command to the vendor's MQTT set payload.
func (c Command) WireMessage() ([]byte, error) {
	params := map[string]any{
		"cmdSet": c.cmdSet,
		"id":     c.cmdID,
	}
	for k, v := range c.params {
		params[k] = v
	}
	msg := map[string]any{
		"id":          c.id,
		"operateType": "TCP",
		"version":     "1.0",
		"moduleType":  1,
		"sn":          c.sn,
		"params":      params,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal command %d: %w", c.id, err)
	}
	return data, nil
}

// CommandAck is the nested acknowledgement block of a reply.
type CommandAck struct {
	Sta    int `json:"sta"`
	CmdSet int `json:"cmdSet"`
	Ack    int `json:"ack"`
	ID     int `json:"id"`
}

// CommandResponse is the asynchronous reply arriving on the set_reply
// topic. Its top-level id matches the originating Command's id.
type CommandResponse struct {
	ID   int64      `json:"id"`
	Code string     `json:"code"`
	Data CommandAck `json:"data"`
}

// Acknowledged reports whether the device accepted the command. The
// firmware convention is ack == 0 and sta == 0; anything else is a soft
// failure left to the caller.
func (r CommandResponse) Acknowledged() bool {
	return r.Data.Ack == 0 && r.Data.Sta == 0
}

// ParseCommandResponse decodes a set_reply payload.
func ParseCommandResponse(payload []byte) (CommandResponse, error) {
	var resp CommandResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return CommandResponse{}, fmt.Errorf("parse command response: %w", err)
	}
	return resp, nil
}
