package plugins

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

func testOutpoint(t *testing.T) *wire.OutPoint {
	t.Helper()

	txid, err := chainhash.NewHashFromStr(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("unable to build txid: %v", err)
	}

	return wire.NewOutPoint(txid, 1)
}

// TestParseOutpoint asserts the "txid:vout" round-trip and the rejection of
// malformed strings.
func TestParseOutpoint(t *testing.T) {
	t.Parallel()

	outpoint := testOutpoint(t)
	parsed, err := ParseOutpoint(outpoint.String())
	if err != nil {
		t.Fatalf("unable to parse outpoint: %v", err)
	}
	if *parsed != *outpoint {
		t.Fatalf("outpoint didn't round-trip: %v != %v", parsed,
			outpoint)
	}

	invalid := []string{
		"",
		"deadbeef",
		"xyz:0",
		strings.Repeat("ab", 32),
		strings.Repeat("ab", 32) + ":",
		strings.Repeat("ab", 32) + ":-1",
	}
	for _, s := range invalid {
		if _, err := ParseOutpoint(s); err == nil {
			t.Fatalf("expected parse error for '%s'", s)
		}
	}
}

// TestVaultInfoJSON asserts the wire form handed to the plugins stays
// stable.
func TestVaultInfoJSON(t *testing.T) {
	t.Parallel()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(testOutpoint(t), nil, nil))
	tx.AddTxOut(wire.NewTxOut(10_000, []byte{0x00, 0x14}))

	info := &VaultInfo{
		Value:           btcutil.Amount(500_000),
		DepositOutpoint: *testOutpoint(t),
		UnvaultTx:       tx,
	}

	encoded, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("unable to marshal vault info: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		t.Fatalf("unable to decode marshaled vault info: %v", err)
	}
	if fields["value"].(float64) != 500_000 {
		t.Fatalf("value field mismatch: %v", fields["value"])
	}
	if fields["deposit_outpoint"].(string) != testOutpoint(t).String() {
		t.Fatalf("outpoint field mismatch: %v",
			fields["deposit_outpoint"])
	}

	var decoded VaultInfo
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unable to unmarshal vault info: %v", err)
	}
	if decoded.Value != info.Value ||
		decoded.DepositOutpoint != info.DepositOutpoint ||
		decoded.UnvaultTx.TxHash() != tx.TxHash() {

		t.Fatalf("vault info didn't round-trip")
	}
}

// TestNewBlockInfoJSON asserts the reserved hook lists serialize as empty
// arrays, not null: the plugins are external programs with their own JSON
// expectations.
func TestNewBlockInfoJSON(t *testing.T) {
	t.Parallel()

	encoded, err := json.Marshal(NewNewBlockInfo())
	if err != nil {
		t.Fatalf("unable to marshal block info: %v", err)
	}

	expected := `{"new_attempts":[],"successful_attempts":[],` +
		`"revaulted_attempts":[]}`
	if string(encoded) != expected {
		t.Fatalf("unexpected block info encoding: %s", encoded)
	}
}

// writeTestPlugin drops an executable shell script plugin in a temporary
// directory.
func writeTestPlugin(t *testing.T, script string) (string, func()) {
	t.Helper()

	tempDir, err := ioutil.TempDir("", "plugin-test")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}

	path := filepath.Join(tempDir, "plugin.sh")
	if err := ioutil.WriteFile(path, []byte(script), 0700); err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("unable to write plugin: %v", err)
	}

	return path, func() { os.RemoveAll(tempDir) }
}

// TestExecPluginPoll exercises the subprocess protocol end to end with a
// shell script policy.
func TestExecPluginPoll(t *testing.T) {
	t.Parallel()

	outpoint := testOutpoint(t)
	path, cleanup := writeTestPlugin(t, fmt.Sprintf(
		"#!/bin/sh\ncat > /dev/null\necho '{\"revault\": [\"%s\"]}'\n",
		outpoint.String(),
	))
	defer cleanup()

	plugin := NewExecPlugin(path, nil)
	outpoints, err := plugin.Poll(100, NewNewBlockInfo())
	if err != nil {
		t.Fatalf("plugin poll failed: %v", err)
	}
	if len(outpoints) != 1 || outpoints[0] != *outpoint {
		t.Fatalf("unexpected plugin verdict: %v", outpoints)
	}
}

// TestExecPluginErrors asserts a crashing or babbling plugin is reported in
// error rather than crashing the host.
func TestExecPluginErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		script string
	}{
		{
			name:   "non-zero exit status",
			script: "#!/bin/sh\ncat > /dev/null\nexit 1\n",
		},
		{
			name:   "garbage on stdout",
			script: "#!/bin/sh\ncat > /dev/null\necho 'not json'\n",
		},
		{
			name: "malformed outpoint",
			script: "#!/bin/sh\ncat > /dev/null\n" +
				"echo '{\"revault\": [\"nope\"]}'\n",
		},
	}
	for _, testCase := range testCases {
		path, cleanup := writeTestPlugin(t, testCase.script)

		plugin := NewExecPlugin(path, nil)
		if _, err := plugin.Poll(100, NewNewBlockInfo()); err == nil {
			t.Fatalf("%s: expected a plugin error", testCase.name)
		}

		cleanup()
	}
}
