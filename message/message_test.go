package message_test

import (
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mit-ll/dlep/dataitem"
	"github.com/mit-ll/dlep/message"
	"github.com/mit-ll/dlep/protocfg"
)

func loadConfig(t *testing.T) *protocfg.Config {
	t.Helper()
	cfg, err := protocfg.Load("../config/dlep-draft-29.xml")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func buildSessionInit(t *testing.T, cfg *protocfg.Config) *message.ProtocolMessage {
	t.Helper()
	pm := message.New(cfg)
	if err := pm.AddHeader(protocfg.SigSessionInitialization); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddVersion(); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddHeartbeatInterval(10); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddPeerType("router-under-test", 0); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddExtensions(cfg.Extensions()); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddExperimentNames(); err != nil {
		t.Fatal(err)
	}
	return pm
}

func TestBuildParseValidateSessionInit(t *testing.T) {
	cfg := loadConfig(t)
	pm := buildSessionInit(t, cfg)

	parsed := message.New(cfg)
	if err := parsed.ParseAndValidate(pm.Buffer(), false, false); err != nil {
		t.Fatal(err)
	}
	if parsed.Name() != protocfg.SigSessionInitialization {
		t.Error("name:", parsed.Name())
	}

	major, minor, err := parsed.Version()
	if err != nil || major != 1 || minor != 0 {
		t.Error("version:", major, minor, err)
	}

	// Heartbeat_Interval is configured in milliseconds; 10 seconds in
	// gives raw 10000 and 10 normalized back out.
	raw, secs, err := parsed.HeartbeatInterval()
	if err != nil || raw != 10000 || secs != 10 {
		t.Error("heartbeat:", raw, secs, err)
	}

	pt, _, err := parsed.PeerType()
	if err != nil || pt != "router-under-test" {
		t.Error("peer type:", pt, err)
	}

	if diff := cmp.Diff([]protocfg.ExtensionID{1, 2}, parsed.Extensions()); diff != "" {
		t.Error("extensions:", diff)
	}
	if diff := cmp.Diff([]string{"DLEP-PAUSE-EXP"}, parsed.ExperimentNames()); diff != "" {
		t.Error("experiment names:", diff)
	}
}

func TestValidateSenderSide(t *testing.T) {
	cfg := loadConfig(t)
	pm := buildSessionInit(t, cfg)

	parsed := message.New(cfg)
	if err := parsed.Parse(pm.Buffer(), false); err != nil {
		t.Fatal(err)
	}
	// Session Initialization is router-only.
	if err := parsed.Validate(true); err == nil {
		t.Error("modem-sent session initialization accepted")
	}
	if err := parsed.Validate(false); err != nil {
		t.Error(err)
	}
}

func TestValidateOccurrenceViolation(t *testing.T) {
	cfg := loadConfig(t)
	// Session Initialization without its mandatory Heartbeat_Interval.
	pm := message.New(cfg)
	if err := pm.AddHeader(protocfg.SigSessionInitialization); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddVersion(); err != nil {
		t.Fatal(err)
	}
	parsed := message.New(cfg)
	err := parsed.ParseAndValidate(pm.Buffer(), false, false)
	if err == nil || !strings.Contains(err.Error(), protocfg.DIHeartbeatInterval) {
		t.Error("missing heartbeat interval accepted:", err)
	}
}

func TestIsCompleteMessage(t *testing.T) {
	cfg := loadConfig(t)
	pm := buildSessionInit(t, cfg)
	wire := pm.Buffer()

	for cut := 0; cut < len(wire); cut++ {
		total, complete, err := message.IsCompleteMessage(cfg, wire[:cut], false)
		if err != nil {
			t.Fatalf("cut=%d: %v", cut, err)
		}
		if complete {
			t.Fatalf("cut=%d reported complete", cut)
		}
		if cut >= cfg.SignalHeaderLength(false) && total != len(wire) {
			t.Errorf("cut=%d: total %d, want %d", cut, total, len(wire))
		}
	}
	total, complete, err := message.IsCompleteMessage(cfg, wire, false)
	if err != nil || !complete || total != len(wire) {
		t.Error("full buffer:", total, complete, err)
	}

	// Two concatenated messages: the first is still framed correctly.
	double := append(append([]byte(nil), wire...), wire...)
	total, complete, err = message.IsCompleteMessage(cfg, double, false)
	if err != nil || !complete || total != len(wire) {
		t.Error("concatenated buffer:", total, complete, err)
	}
}

func TestSignalPrefix(t *testing.T) {
	cfg := loadConfig(t)
	pm := message.New(cfg)
	if err := pm.AddHeader(protocfg.SigPeerDiscovery); err != nil {
		t.Fatal(err)
	}
	if !pm.IsSignal() {
		t.Fatal("peer discovery is a signal")
	}
	wire := pm.Buffer()
	if string(wire[:4]) != "DLEP" {
		t.Error("prefix missing:", wire[:8])
	}

	parsed := message.New(cfg)
	if err := parsed.ParseAndValidate(wire, true, false); err != nil {
		t.Fatal(err)
	}

	// A corrupted prefix fails fast.
	bad := append([]byte(nil), wire...)
	bad[0] = 'X'
	if _, _, err := message.IsCompleteMessage(cfg, bad, true); err == nil {
		t.Error("bad prefix accepted")
	}
}

func TestStatusSoftRemap(t *testing.T) {
	cfg := loadConfig(t)
	// The canonical catalog has every status, so the name passes through.
	pm := message.New(cfg)
	if err := pm.AddHeader(protocfg.SigSessionTermination); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddStatus(protocfg.StatusInconsistentData, "dup address"); err != nil {
		t.Fatal(err)
	}
	parsed := message.New(cfg)
	if err := parsed.ParseAndValidate(pm.Buffer(), false, true); err != nil {
		t.Fatal(err)
	}
	name, reason, err := parsed.Status()
	if err != nil || name != protocfg.StatusInconsistentData || reason != "dup address" {
		t.Error("status:", name, reason, err)
	}
}

func TestStatusSoftRemapMissingName(t *testing.T) {
	// A reduced catalog without Not_Interested or Inconsistent_Data:
	// Not_Interested remaps to Request_Denied, Inconsistent_Data walks
	// to Invalid_Message.
	cfg := writeRemapConfig(t)

	pm := message.New(cfg)
	if err := pm.AddHeader(protocfg.SigSessionTermination); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddStatus(protocfg.StatusNotInterested, ""); err != nil {
		t.Fatal(err)
	}
	name, _, err := pm.Status()
	if err != nil || name != protocfg.StatusRequestDenied {
		t.Error("remapped status:", name, err)
	}

	pm2 := message.New(cfg)
	if err := pm2.AddHeader(protocfg.SigSessionTermination); err != nil {
		t.Fatal(err)
	}
	if err := pm2.AddStatus(protocfg.StatusInconsistentData, ""); err != nil {
		t.Fatal(err)
	}
	name, _, err = pm2.Status()
	if err != nil || name != protocfg.StatusInvalidMessage {
		t.Error("remapped status:", name, err)
	}
}

// writeRemapConfig loads a reduced catalog with a partial status code
// table, for exercising the soft-remap chain.
func writeRemapConfig(t *testing.T) *protocfg.Config {
	t.Helper()
	body := `<?xml version="1.0"?>
<dlep>
  <version><major>1</major><minor>0</minor></version>
  <field_sizes>
    <signal_length>2</signal_length>
    <signal_id>2</signal_id>
    <data_item_length>2</data_item_length>
    <data_item_id>2</data_item_id>
    <extension_id>2</extension_id>
    <status_code>1</status_code>
  </field_sizes>
  <module>
    <name>core</name>
    <data_item><name>Status</name><id>1</id><type>u8_string</type></data_item>
    <signal>
      <name>Session_Termination_Response</name><id>6</id><message>true</message>
      <sender>both</sender>
    </signal>
    <signal>
      <name>Session_Termination</name><id>5</id><message>true</message>
      <sender>both</sender>
      <response>Session_Termination_Response</response>
      <data_item><name>Status</name><occurs>1</occurs></data_item>
    </signal>
    <status_code><name>Success</name><id>0</id><failure_mode>continue</failure_mode></status_code>
    <status_code><name>Request_Denied</name><id>2</id><failure_mode>continue</failure_mode></status_code>
    <status_code><name>Invalid_Message</name><id>4</id><failure_mode>terminate</failure_mode></status_code>
  </module>
</dlep>`
	path := t.TempDir() + "/remap.xml"
	if err := writeFile(path, body); err != nil {
		t.Fatal(err)
	}
	cfg, err := protocfg.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0644)
}

func TestMACAndDataItemHelpers(t *testing.T) {
	cfg := loadConfig(t)
	mac := dataitem.MAC{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

	pm := message.New(cfg)
	if err := pm.AddHeader(protocfg.SigDestinationUp); err != nil {
		t.Fatal(err)
	}
	if err := pm.AddMAC(mac); err != nil {
		t.Fatal(err)
	}
	mtu, err := dataitem.New(protocfg.DIMaximumTransmissionUnit, dataitem.U16(1400), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pm.AddDataItem(mtu); err != nil {
		t.Fatal(err)
	}

	parsed := message.New(cfg)
	if err := parsed.ParseAndValidate(pm.Buffer(), false, true); err != nil {
		t.Fatal(err)
	}
	got, err := parsed.MAC()
	if err != nil || !got.Equal(mac) {
		t.Error("mac:", got, err)
	}
	rest := parsed.DataItemsNoMAC()
	if len(rest) != 1 || !rest[0].Equal(mtu) {
		t.Error("items without mac:", rest)
	}
	metrics := parsed.MetricsAndIPItems()
	if len(metrics) != 1 || !metrics[0].Equal(mtu) {
		t.Error("metric items:", metrics)
	}
}
