package models

import "strconv"

// Key names shared by every node in the cluster. The spellings are wire
// compatible with the stores written by earlier gateway generations and
// must not be normalized.
const (
	// AssignedPoolKey is the hash of placed configs (client_id -> MqttConfig JSON).
	AssignedPoolKey = "mqtt_config:use"
	// UnassignedPoolKey is the list of configs waiting for placement.
	UnassignedPoolKey = "mqtt_config:no"
	// WindowRuleHashKey maps rule id to predicate script source.
	WindowRuleHashKey = "signal_delay_config"
	// WindowBindingListKey is the list of WindowBinding JSON.
	WindowBindingListKey = "delay_param"
	// ReaperLockKey single-threads node liveness probing across the cluster.
	ReaperLockKey = "c_beat"
	// PlacerLockKey single-threads unassigned-pool placement across the cluster.
	PlacerLockKey = "no_handler_config_lock"
)

// BeatKey is the TTL'd liveness key re-asserted by every node.
func BeatKey(nodeType Protocol, name string) string {
	return "beat:" + string(nodeType) + ":" + name
}

// RegisterKey is the per-type registry hash (name -> NodeInfo JSON).
func RegisterKey(nodeType Protocol) string {
	return "register:" + string(nodeType)
}

// NodeBindKey is the set of client ids assigned to one node.
func NodeBindKey(name string) string {
	return "node_bind:" + name
}

// SignalKey is the list of Signal JSON for one (device, code).
func SignalKey(deviceUID, code string) string {
	return "signal:" + deviceUID + ":" + code
}

// RangeRuleKey is the list of RangeRule JSON for one signal.
func RangeRuleKey(signalID int64) string {
	return "waring:" + strconv.FormatInt(signalID, 10)
}

// WindowKey is the sliding-window sorted set for one signal of one device.
func WindowKey(deviceUID, code string, signalID int64) string {
	return "signal_delay_warning:" + deviceUID + ":" + code + ":" + strconv.FormatInt(signalID, 10)
}

// StorageTimeKey is the last-write marker per (protocol stamp, device, code).
func StorageTimeKey(stamp, deviceUID, code string) string {
	return "storage_time:" + stamp + ":" + deviceUID + ":" + code
}

// AuthKey is the credential hash for one protocol.
func AuthKey(p Protocol) string {
	return "auth:" + string(p)
}

// SessionKey maps device id to remote address for one node.
func SessionKey(p Protocol, node string) string {
	return string(p) + "_uid:" + node
}

// SessionReverseKey maps remote address back to device id.
func SessionReverseKey(p Protocol, node string) string {
	return string(p) + "_uid_f:" + node
}

// LastSeenKey tracks per-address activity for connection oriented sessions.
func LastSeenKey(addr string) string {
	return "tcp:last:" + addr
}

// WSSessionKey holds the websocket auth token for one device.
func WSSessionKey(deviceID string) string {
	return "ws:session:" + deviceID
}

// BucketName shards devices over 100 time-series buckets per protocol.
func BucketName(prefix, stamp string, deviceUID int64) string {
	return prefix + "_" + stamp + "_" + strconv.FormatInt(deviceUID%100, 10)
}

// MeasurementName identifies one (protocol, device, code) series.
func MeasurementName(stamp, deviceUID, code string) string {
	return stamp + "_" + deviceUID + "_" + code
}

// CollectionName shards alert documents over 100 collections per prefix.
func CollectionName(prefix string, id int64) string {
	return prefix + "_" + strconv.FormatInt(id%100, 10)
}
