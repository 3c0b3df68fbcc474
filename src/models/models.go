package models

import "strings"

// Protocol identifies the transport a device used to reach the gateway.
// The lowercase value appears in key names and queue names; Stamp is the
// uppercase marker written into records, buckets and measurements.
type Protocol string

const (
	ProtocolMQTT Protocol = "mqtt"
	ProtocolTCP  Protocol = "tcp"
	ProtocolHTTP Protocol = "http"
	ProtocolWS   Protocol = "ws"
	ProtocolCoAP Protocol = "coap"
)

// Protocols lists every transport the gateway ingests from.
var Protocols = []Protocol{ProtocolMQTT, ProtocolTCP, ProtocolHTTP, ProtocolWS, ProtocolCoAP}

// Stamp returns the uppercase protocol marker.
func (p Protocol) Stamp() string {
	return strings.ToUpper(string(p))
}

// RawQueue returns the raw-protocol queue fed by this protocol's listener.
// MQTT predates the per-protocol naming scheme and keeps its legacy name.
func (p Protocol) RawQueue() string {
	if p == ProtocolMQTT {
		return "pre_handler"
	}
	return "pre_" + string(p) + "_handler"
}

// ScriptHash returns the hash holding per-device transformation scripts
// for this protocol.
func (p Protocol) ScriptHash() string {
	if p == ProtocolMQTT {
		return "mqtt_script"
	}
	s := string(p)
	return "struct:" + strings.ToUpper(s[:1]) + s[1:]
}

// NodeInfo describes a gateway node, both as YAML configuration and as the
// value registered in the cluster registry hash.
type NodeInfo struct {
	Host string   `json:"host" yaml:"host" validate:"required"`
	Port int      `json:"port" yaml:"port" validate:"required,gt=0"`
	Name string   `json:"name" yaml:"name" validate:"required"`
	Type Protocol `json:"node_type" yaml:"type" validate:"required,oneof=mqtt tcp http ws coap"`
	Size int      `json:"size" yaml:"size" validate:"gte=0"`
}

// MqttConfig is one broker subscription owned by the fleet. ClientID is the
// primary key across the assigned and unassigned pools.
type MqttConfig struct {
	Broker   string `json:"broker" validate:"required"`
	Port     int    `json:"port" validate:"required,gt=0"`
	Username string `json:"username"`
	Password string `json:"password"`
	SubTopic string `json:"sub_topic" validate:"required"`
	ClientID string `json:"client_id" validate:"required"`
}

const (
	SignalTypeNumeric = "numeric"
	SignalTypeText    = "text"
)

// Signal is one named channel of a device, scoped by (device uid,
// identification code). CacheSize > 0 enables the sliding window.
type Signal struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	CacheSize int64  `json:"cache_size"`
}

// Numeric reports whether values of this signal are stored as floats.
func (s Signal) Numeric() bool {
	return s.Type == SignalTypeNumeric
}

const (
	BandModeIn  = "in_band"
	BandModeOut = "out_of_band"
)

// RangeRule is a stateless threshold rule over one signal.
type RangeRule struct {
	ID       int64   `json:"id"`
	SignalID int64   `json:"signal_id"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mode     string  `json:"mode"`
}

// Hit reports whether value v trips the rule. Any mode other than in_band
// is treated as out_of_band.
func (r RangeRule) Hit(v float64) bool {
	if r.Mode == BandModeIn {
		return v >= r.Min && v <= r.Max
	}
	return v < r.Min || v > r.Max
}

// WindowRule is a predicate script applied to per-signal sliding windows.
type WindowRule struct {
	ID     int64  `json:"id"`
	Script string `json:"script"`
}

// WindowBinding attaches a WindowRule to one signal of one device.
type WindowBinding struct {
	DeviceUID          string `json:"device_uid"`
	IdentificationCode string `json:"identification_code"`
	SignalName         string `json:"signal_name"`
	SignalID           int64  `json:"signal_id"`
	RuleID             int64  `json:"rule_id"`
}

// WindowSample is one sliding-window element as handed to predicate
// scripts: the write timestamp in Unix milliseconds and the raw value.
type WindowSample struct {
	Time  int64  `json:"time"`
	Value string `json:"value"`
}

// DataRow is one named sample inside a NormalizedRecord.
type DataRow struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// NormalizedRecord is the protocol-agnostic sample batch produced by a
// device transformation script. The capitalized field names are the script
// output contract and must not change.
type NormalizedRecord struct {
	Time               int64     `json:"Time"`
	DeviceUID          string    `json:"DeviceUid"`
	IdentificationCode string    `json:"IdentificationCode"`
	DataRows           []DataRow `json:"DataRows"`
	Nc                 string    `json:"Nc"`
	Protocol           string    `json:"Protocol"`
}

// AuthRecord is the stored credential pair for one device on one protocol.
type AuthRecord struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RawMQTTMessage is the pre_handler queue envelope.
type RawMQTTMessage struct {
	MQTTClientID string `json:"mqtt_client_id"`
	Message      string `json:"message"`
}

// RawDeviceMessage is the queue envelope for every non-MQTT protocol.
type RawDeviceMessage struct {
	UID     string `json:"uid"`
	Message string `json:"message"`
}

// RangeAlert is the document written on a range-rule hit.
type RangeAlert struct {
	DeviceUID  string  `bson:"device_uid" json:"device_uid"`
	SignalName string  `bson:"signal_name" json:"signal_name"`
	SignalID   int64   `bson:"signal_id" json:"signal_id"`
	Value      float64 `bson:"value" json:"value"`
	RuleID     int64   `bson:"rule_id" json:"rule_id"`
	InsertTime int64   `bson:"insert_time" json:"insert_time"`
	UpTime     int64   `bson:"up_time" json:"up_time"`
}

// WindowAlert is the document written when a window predicate fires.
type WindowAlert struct {
	Params     map[string][]WindowSample `bson:"params" json:"params"`
	Script     string                    `bson:"script" json:"script"`
	RuleID     int64                     `bson:"rule_id" json:"rule_id"`
	InsertTime int64                     `bson:"insert_time" json:"insert_time"`
	UpTime     int64                     `bson:"up_time" json:"up_time"`
}
