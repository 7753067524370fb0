package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/presence.report/internal/device"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/transport"
)

// Command and request names.
const (
	CmdOpenSerial    = "openSerial"
	CmdStartDetector = "startDetector"
	CmdStopDetector  = "stopDetector"
	CmdGetInfo       = "getInfo"

	ReqStatus = "status"

	StreamPresence = "presence"
)

// Inbound is one client message. Exactly one of Req and Cmd is set.
type Inbound struct {
	Req  string          `json:"req,omitempty"`
	Cmd  string          `json:"cmd,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseInbound decodes and checks the envelope of a client message.
func ParseInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	switch {
	case in.Req != "" && in.Cmd != "":
		return in, fmt.Errorf("%w: both req and cmd set", ErrBadMessage)
	case in.Req == "" && in.Cmd == "":
		return in, fmt.Errorf("%w: neither req nor cmd set", ErrBadMessage)
	}
	return in, nil
}

func (in Inbound) decodeData(v any) error {
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("%w: data: %v", ErrBadMessage, err)
	}
	return nil
}

// OpenSerialData carries the openSerial parameters. Timeout is in seconds.
type OpenSerialData struct {
	Port     string  `json:"port"`
	BaudRate int     `json:"baudrate"`
	RTSCTS   *bool   `json:"rtscts"`
	Timeout  float64 `json:"timeout"`
}

// PortOptions converts the request into normalized transport options.
func (d OpenSerialData) PortOptions() (transport.PortOptions, error) {
	if d.Port == "" {
		return transport.PortOptions{}, fmt.Errorf("%w: port is required", ErrBadMessage)
	}
	if d.Timeout < 0 {
		return transport.PortOptions{}, fmt.Errorf("%w: negative timeout", ErrBadMessage)
	}
	opts := transport.PortOptions{
		BaudRate: d.BaudRate,
		RTSCTS:   d.RTSCTS,
		Timeout:  time.Duration(d.Timeout * float64(time.Second)),
	}
	return opts.Normalize()
}

// StartDetectorData carries the startDetector parameters. A missing config
// selects the default presence configuration; a zero duration (seconds)
// runs until stopDetector.
type StartDetectorData struct {
	Config   device.ModuleConfig `json:"config,omitempty"`
	Duration float64             `json:"duration,omitempty"`
}

type comment struct {
	Comment string `json:"comment"`
}

type ackMessage struct {
	Ack  string  `json:"ack"`
	Data comment `json:"data"`
}

type statusData struct {
	Status    *uint32 `json:"status"`
	StatusDef string  `json:"status_def"`
}

type respMessage struct {
	Resp string `json:"resp"`
	Data any    `json:"data"`
}

type sampleData struct {
	Presence bool   `json:"presence"`
	Score    string `json:"score"`
	Distance string `json:"distance"`
}

type streamMessage struct {
	Stream string     `json:"stream"`
	Data   sampleData `json:"data"`
}

type infoData struct {
	device.Info
	StatusDef string `json:"status_def"`
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// every message type here is plain data
		panic(err)
	}
	return b
}

// EncodeAck builds a success acknowledgment.
func EncodeAck(text string) []byte {
	return mustMarshal(ackMessage{Ack: "success", Data: comment{Comment: text}})
}

// EncodeError builds an error reply.
func EncodeError(err error) []byte {
	return mustMarshal(ackMessage{Ack: "error", Data: comment{Comment: err.Error()}})
}

// EncodeStatus builds a status reply. A nil status encodes as null.
func EncodeStatus(status *uint32, def string) []byte {
	return mustMarshal(respMessage{Resp: ReqStatus, Data: statusData{Status: status, StatusDef: def}})
}

// EncodeInfo builds a getInfo reply.
func EncodeInfo(info device.Info) []byte {
	return mustMarshal(respMessage{Resp: "info", Data: infoData{Info: info, StatusDef: info.Status.String()}})
}

// EncodeSample builds the broadcast message for one sample. Floats are sent
// as strings in their shortest float32 form.
func EncodeSample(s presence.Sample) []byte {
	return mustMarshal(streamMessage{
		Stream: StreamPresence,
		Data: sampleData{
			Presence: s.Presence,
			Score:    strconv.FormatFloat(float64(s.Score), 'f', -1, 32),
			Distance: strconv.FormatFloat(float64(s.Distance), 'f', -1, 32),
		},
	})
}
