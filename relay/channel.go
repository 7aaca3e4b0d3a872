package relay

import (
	"encoding/json"
	"fmt"
)

// Channel is one kernel telemetry stream.
type Channel int

const (
	Traffic Channel = iota
	Memory
	Logs
	Connections
)

var Channels = []Channel{Traffic, Memory, Logs, Connections}

func (c Channel) String() string {
	if c < 0 || int(c) >= len(dispatch) {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return dispatch[c].path
}

// Event is the UI event name a channel is republished under.
func (c Channel) Event() string {
	return "kernel-" + c.String()
}

type TrafficFrame struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

type MemoryFrame struct {
	InUse   uint64 `json:"inuse"`
	OSLimit uint64 `json:"oslimit"`
}

type LogFrame struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type ConnectionMeta struct {
	Network         string `json:"network"`
	Type            string `json:"type"`
	SourceIP        string `json:"sourceIP"`
	DestinationIP   string `json:"destinationIP"`
	SourcePort      string `json:"sourcePort"`
	DestinationPort string `json:"destinationPort"`
	Host            string `json:"host"`
	Process         string `json:"process,omitempty"`
}

type Connection struct {
	ID       string         `json:"id"`
	Metadata ConnectionMeta `json:"metadata"`
	Upload   int64          `json:"upload"`
	Download int64          `json:"download"`
	Start    string         `json:"start"`
	Chains   []string       `json:"chains"`
	Rule     string         `json:"rule"`
}

type ConnectionsFrame struct {
	DownloadTotal int64        `json:"downloadTotal"`
	UploadTotal   int64        `json:"uploadTotal"`
	Connections   []Connection `json:"connections"`
	Memory        uint64       `json:"memory,omitempty"`
}

type handler struct {
	path  string
	parse func([]byte) (any, error)
}

func decode[T any](data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// dispatch is indexed by Channel.
var dispatch = [...]handler{
	Traffic:     {"traffic", decode[TrafficFrame]},
	Memory:      {"memory", decode[MemoryFrame]},
	Logs:        {"logs", decode[LogFrame]},
	Connections: {"connections", decode[ConnectionsFrame]},
}

// Parse decodes one message of channel c.
func (c Channel) Parse(data []byte) (any, error) {
	return dispatch[c].parse(data)
}
