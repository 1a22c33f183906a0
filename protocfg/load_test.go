package protocfg_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mit-ll/dlep/protocfg"
)

func loadCanonical(t *testing.T) *protocfg.Config {
	t.Helper()
	cfg, err := protocfg.Load("../config/dlep-draft-29.xml")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestLoadCanonicalConfig(t *testing.T) {
	cfg := loadCanonical(t)

	if cfg.SignalPrefix != "DLEP" {
		t.Error("signal prefix:", cfg.SignalPrefix)
	}
	if cfg.Version.Major != 1 || cfg.Version.Minor != 0 {
		t.Error("version:", cfg.Version)
	}
	fs := cfg.FieldSizes
	if fs.SignalID != 2 || fs.SignalLength != 2 || fs.DataItemID != 2 ||
		fs.DataItemLength != 2 || fs.ExtensionID != 2 || fs.StatusCode != 1 {
		t.Error("field sizes:", fs)
	}

	si, err := cfg.SignalInfo(protocfg.SigSessionInitialization)
	if err != nil {
		t.Fatal(err)
	}
	if si.ID != 1 || !si.Message || !si.RouterSends || si.ModemSends {
		t.Errorf("session initialization info: %+v", si)
	}
	if si.ResponseName != protocfg.SigSessionInitializationResponse {
		t.Error("response name:", si.ResponseName)
	}

	// Signals and messages have distinct id namespaces.
	sig, err := cfg.SignalInfoByID(1, false)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Name != protocfg.SigPeerDiscovery {
		t.Error("signal id 1 is", sig.Name)
	}
	msg, err := cfg.SignalInfoByID(1, true)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Name != protocfg.SigSessionInitialization {
		t.Error("message id 1 is", msg.Name)
	}
}

func TestExtensionModules(t *testing.T) {
	cfg := loadCanonical(t)

	exts := cfg.Extensions()
	if len(exts) != 2 || exts[0] != 1 || exts[1] != 2 {
		t.Error("extensions:", exts)
	}

	// The latency_range extension references Session_Update and adds
	// its data item to the allowed list.
	si, err := cfg.SignalInfo(protocfg.SigSessionUpdate)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ref := range si.DataItems {
		if ref.Name == "Latency_Range" && ref.Occurs == "0-1" {
			found = true
		}
	}
	if !found {
		t.Error("Latency_Range not merged into Session_Update")
	}

	names := cfg.ExperimentNames()
	if len(names) != 1 || names[0] != "DLEP-PAUSE-EXP" {
		t.Error("experiment names:", names)
	}
}

func TestSubDataItemScopedID(t *testing.T) {
	cfg := loadCanonical(t)

	parent, err := cfg.DataItemInfo("Queue_Parameters")
	if err != nil {
		t.Fatal(err)
	}
	// Queue_Parameter has no top-level id...
	if _, err := cfg.DataItemID("Queue_Parameter", nil); err == nil {
		t.Error("Queue_Parameter should have no top-level id")
	}
	// ...but it has id 1 inside Queue_Parameters.
	id, err := cfg.DataItemID("Queue_Parameter", parent)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Error("scoped id:", id)
	}
	info, err := cfg.DataItemInfoByID(1, parent)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Queue_Parameter" || info.ValueType != protocfg.DIVu16vU8 {
		t.Errorf("scoped lookup: %+v", info)
	}
}

func TestStatusCodes(t *testing.T) {
	cfg := loadCanonical(t)

	id, err := cfg.StatusCodeID(protocfg.StatusTimedOut)
	if err != nil {
		t.Fatal(err)
	}
	if id != 131 {
		t.Error("Timed_Out id:", id)
	}
	mode, err := cfg.StatusFailureMode(protocfg.StatusInconsistentData)
	if err != nil {
		t.Fatal(err)
	}
	if mode != "terminate" {
		t.Error("Inconsistent_Data mode:", mode)
	}
	if _, err := cfg.StatusCodeName(200); err == nil {
		t.Error("status id 200 should not resolve")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.xml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const configHeader = `<?xml version="1.0"?>
<dlep>
  <version><major>1</major><minor>0</minor></version>
  <signal_prefix>DLEP</signal_prefix>
  <field_sizes>
    <signal_length>2</signal_length>
    <signal_id>2</signal_id>
    <data_item_length>2</data_item_length>
    <data_item_id>2</data_item_id>
    <extension_id>2</extension_id>
    <status_code>1</status_code>
  </field_sizes>
`

func TestLoadRejectsDuplicateDataItem(t *testing.T) {
	path := writeConfig(t, configHeader+`
  <module>
    <name>core</name>
    <data_item><name>Status</name><id>1</id><type>u8</type></data_item>
    <data_item><name>Status</name><id>2</id><type>u8</type></data_item>
    <status_code><name>Invalid_Data</name><id>1</id><failure_mode>terminate</failure_mode></status_code>
  </module>
</dlep>`)
	if _, err := protocfg.Load(path); err == nil {
		t.Fatal("duplicate data item accepted")
	}
}

func TestLoadRejectsBadValueType(t *testing.T) {
	path := writeConfig(t, configHeader+`
  <module>
    <name>core</name>
    <data_item><name>Bogus</name><id>1</id><type>u128</type></data_item>
    <status_code><name>Invalid_Data</name><id>1</id><failure_mode>terminate</failure_mode></status_code>
  </module>
</dlep>`)
	if _, err := protocfg.Load(path); err == nil {
		t.Fatal("bad value type accepted")
	}
}

func TestLoadRejectsUnterminableRemapChain(t *testing.T) {
	// None of Invalid_Data, Invalid_Message, Unknown_Message: the
	// status soft-remap could loop forever, so loading must fail.
	path := writeConfig(t, configHeader+`
  <module>
    <name>core</name>
    <status_code><name>Success</name><id>0</id><failure_mode>continue</failure_mode></status_code>
    <status_code><name>Timed_Out</name><id>1</id><failure_mode>terminate</failure_mode></status_code>
  </module>
</dlep>`)
	if _, err := protocfg.Load(path); err == nil {
		t.Fatal("remap-unterminable configuration accepted")
	}
}

func TestLoadRejectsUndefinedResponse(t *testing.T) {
	path := writeConfig(t, configHeader+`
  <module>
    <name>core</name>
    <signal>
      <name>Ping</name><id>1</id><message>true</message>
      <sender>both</sender>
      <response>Pong</response>
    </signal>
    <status_code><name>Invalid_Data</name><id>1</id><failure_mode>terminate</failure_mode></status_code>
  </module>
</dlep>`)
	if _, err := protocfg.Load(path); err == nil {
		t.Fatal("undefined response accepted")
	}
}

func TestLoadRejectsBadOccurs(t *testing.T) {
	path := writeConfig(t, configHeader+`
  <module>
    <name>core</name>
    <data_item><name>Thing</name><id>1</id><type>u8</type></data_item>
    <signal>
      <name>Ping</name><id>1</id><message>true</message>
      <sender>both</sender>
      <data_item><name>Thing</name><occurs>2-3</occurs></data_item>
    </signal>
    <status_code><name>Invalid_Data</name><id>1</id><failure_mode>terminate</failure_mode></status_code>
  </module>
</dlep>`)
	if _, err := protocfg.Load(path); err == nil {
		t.Fatal("bad occurs accepted")
	}
}
