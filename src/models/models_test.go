package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtocolNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "MQTT", ProtocolMQTT.Stamp())
	require.Equal(t, "COAP", ProtocolCoAP.Stamp())

	require.Equal(t, "pre_handler", ProtocolMQTT.RawQueue())
	require.Equal(t, "pre_tcp_handler", ProtocolTCP.RawQueue())
	require.Equal(t, "pre_http_handler", ProtocolHTTP.RawQueue())
	require.Equal(t, "pre_ws_handler", ProtocolWS.RawQueue())
	require.Equal(t, "pre_coap_handler", ProtocolCoAP.RawQueue())

	require.Equal(t, "mqtt_script", ProtocolMQTT.ScriptHash())
	require.Equal(t, "struct:Tcp", ProtocolTCP.ScriptHash())
	require.Equal(t, "struct:Http", ProtocolHTTP.ScriptHash())
	require.Equal(t, "struct:Ws", ProtocolWS.ScriptHash())
	require.Equal(t, "struct:Coap", ProtocolCoAP.ScriptHash())
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()

	in := []byte(`[{"Time":1,"DeviceUid":"7","IdentificationCode":"A","DataRows":[{"Name":"t","Value":"23.5"}],"Nc":"n"}]`)

	recs, err := DecodeRecords(in)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(1), recs[0].Time)
	require.Equal(t, "7", recs[0].DeviceUID)
	require.Equal(t, "A", recs[0].IdentificationCode)
	require.Len(t, recs[0].DataRows, 1)
	require.Equal(t, "t", recs[0].DataRows[0].Name)
	require.Equal(t, "23.5", recs[0].DataRows[0].Value)

	recs[0].Protocol = ProtocolMQTT.Stamp()

	out, err := EncodeRecords(recs)
	require.NoError(t, err)

	again, err := DecodeRecords(out)
	require.NoError(t, err)
	require.Equal(t, recs, again)
}

func TestDecodeRecordsRejectsMalformed(t *testing.T) {
	t.Parallel()

	if _, err := DecodeRecords([]byte(`{"not":"an array"`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestRangeRuleHit(t *testing.T) {
	t.Parallel()

	inBand := RangeRule{ID: 9, SignalID: 42, Min: 0, Max: 10, Mode: BandModeIn}
	if inBand.Hit(23.5) {
		t.Fatal("23.5 must not hit in_band [0,10]")
	}
	if !inBand.Hit(5) {
		t.Fatal("5 must hit in_band [0,10]")
	}
	if !inBand.Hit(0) || !inBand.Hit(10) {
		t.Fatal("bounds are inclusive for in_band")
	}

	outBand := RangeRule{ID: 9, SignalID: 42, Min: 0, Max: 10, Mode: BandModeOut}
	if !outBand.Hit(23.5) {
		t.Fatal("23.5 must hit out_of_band [0,10]")
	}
	if outBand.Hit(10) {
		t.Fatal("10 must not hit out_of_band [0,10]")
	}
}

func TestNaming(t *testing.T) {
	t.Parallel()

	require.Equal(t, "iot_MQTT_7", BucketName("iot", "MQTT", 7))
	require.Equal(t, "iot_MQTT_7", BucketName("iot", "MQTT", 107))
	require.Equal(t, "MQTT_7_A", MeasurementName("MQTT", "7", "A"))
	require.Equal(t, "alerts_9", CollectionName("alerts", 9))
	require.Equal(t, "alerts_9", CollectionName("alerts", 109))
}

func TestKeySchema(t *testing.T) {
	t.Parallel()

	require.Equal(t, "beat:mqtt:n1", BeatKey(ProtocolMQTT, "n1"))
	require.Equal(t, "register:mqtt", RegisterKey(ProtocolMQTT))
	require.Equal(t, "node_bind:n1", NodeBindKey("n1"))
	require.Equal(t, "signal:7:A", SignalKey("7", "A"))
	require.Equal(t, "waring:42", RangeRuleKey(42))
	require.Equal(t, "signal_delay_warning:7:A:42", WindowKey("7", "A", 42))
	require.Equal(t, "storage_time:MQTT:7:A", StorageTimeKey("MQTT", "7", "A"))
	require.Equal(t, "auth:tcp", AuthKey(ProtocolTCP))
	require.Equal(t, "tcp_uid:n1", SessionKey(ProtocolTCP, "n1"))
	require.Equal(t, "tcp_uid_f:n1", SessionReverseKey(ProtocolTCP, "n1"))
}
