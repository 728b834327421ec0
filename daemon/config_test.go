package daemon

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	testXpubA = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGheP" +
		"Y2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"
	testXpubB = "xpub661MyMwAqRbcFW31YEwpkMuc5THy2PSt5bDMsktWQcFF8syAmRUap" +
		"SCGu8ED9W6oDMSgv6Zz8idoc4a6mr8BDzTJY47LJhkJ8UB7WEGuduB"
	testXpubC = "xpub68Gmy5EdvgibQVfPdqkBBCHxA5htiqg55crXYuXoQRKfDBFA1WEjW" +
		"gP6LHhwBZeNK1VTsfTFUHCdrfp1bgwQ9xv5ski8PX9rL2dZXvgGDnw"
)

// writeTestConfig drops a configuration file (and a dummy plugin) in a fresh
// temporary directory and returns its path.
func writeTestConfig(t *testing.T, network string) (string, func()) {
	t.Helper()

	tempDir, err := ioutil.TempDir("", "config-test")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}

	pluginPath := filepath.Join(tempDir, "plugin.sh")
	err = ioutil.WriteFile(pluginPath,
		[]byte("#!/bin/sh\necho '{\"revault\": []}'\n"), 0700)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("unable to write plugin: %v", err)
	}

	conf := fmt.Sprintf(`
[Application Options]
datadir=%s
loglevel=debug
plugin=%s {"max_value": 100000000}

[Bitcoind]
bitcoind.network=%s
bitcoind.rpchost=127.0.0.1:18443
bitcoind.rpcuser=testuser
bitcoind.rpcpassword=testpass
bitcoind.pollintervalsecs=5

[Scripts]
scripts.depositdescriptor=wsh(multi(2,%s/*,%s/*))
scripts.unvaultdescriptor=wsh(unvault(multi(2,%s/*,%s/*),multi(1,%s/*),older(144)))
scripts.cpfpdescriptor=wsh(multi(1,%s/*))
`, filepath.Join(tempDir, "data"), pluginPath, network,
		testXpubA, testXpubB, testXpubA, testXpubB, testXpubC,
		testXpubC)

	confPath := filepath.Join(tempDir, "miradord.conf")
	if err := ioutil.WriteFile(confPath, []byte(conf), 0600); err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("unable to write config: %v", err)
	}

	return confPath, func() { os.RemoveAll(tempDir) }
}

// TestLoadConfig asserts a full configuration file parses and everything
// derived from it is in place.
func TestLoadConfig(t *testing.T) {
	confPath, cleanup := writeTestConfig(t, "regtest")
	defer cleanup()

	cfg, err := loadConfig(confPath)
	if err != nil {
		t.Fatalf("unable to load config: %v", err)
	}

	if cfg.chainName != "regtest" {
		t.Fatalf("unexpected chain name '%s'", cfg.chainName)
	}
	if !strings.HasSuffix(cfg.DataDir, filepath.Join("data", "regtest")) {
		t.Fatalf("datadir not suffixed with the network: '%s'",
			cfg.DataDir)
	}
	if cfg.Bitcoind.PollIntervalSecs != 5 {
		t.Fatalf("poll interval not honored")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level not honored")
	}
	if cfg.unvaultDesc.CSV() != 144 {
		t.Fatalf("unvault descriptor CSV is %d, want 144",
			cfg.unvaultDesc.CSV())
	}
	if len(cfg.plugins) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(cfg.plugins))
	}
}

// TestLoadConfigErrors asserts the upfront validation catches bad networks
// and missing descriptors.
func TestLoadConfigErrors(t *testing.T) {
	confPath, cleanup := writeTestConfig(t, "florinchain")
	defer cleanup()

	if _, err := loadConfig(confPath); err == nil {
		t.Fatalf("expected rejection of an unknown network")
	}

	if _, err := loadConfig("/nonexistent/miradord.conf"); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}

	// A config without descriptors must be rejected too.
	tempDir, err := ioutil.TempDir("", "config-test")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	bare := filepath.Join(tempDir, "bare.conf")
	err = ioutil.WriteFile(bare, []byte("[Application Options]\n"), 0600)
	if err != nil {
		t.Fatalf("unable to write config: %v", err)
	}
	if _, err := loadConfig(bare); err == nil {
		t.Fatalf("expected rejection of a descriptor-less config")
	}
}

// TestParseArgs asserts the command line surface is exactly an optional
// '--conf <path>' pair.
func TestParseArgs(t *testing.T) {
	t.Parallel()

	confPath, err := parseArgs([]string{"miradord"})
	if err != nil || confPath != "" {
		t.Fatalf("bare invocation rejected: %v", err)
	}

	confPath, err = parseArgs([]string{"miradord", "--conf", "/tmp/a.conf"})
	if err != nil || confPath != "/tmp/a.conf" {
		t.Fatalf("--conf invocation rejected: %v", err)
	}

	invalid := [][]string{
		{"miradord", "--conf"},
		{"miradord", "--verbose"},
		{"miradord", "-c", "/tmp/a.conf"},
		{"miradord", "--conf", "/tmp/a.conf", "extra"},
	}
	for _, args := range invalid {
		if _, err := parseArgs(args); err == nil {
			t.Fatalf("expected usage error for %v", args)
		}
	}
}

// TestNoiseKey asserts the noise key is created once with tight permissions
// and read back verbatim afterwards.
func TestNoiseKey(t *testing.T) {
	t.Parallel()

	tempDir, err := ioutil.TempDir("", "noise-test")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	keyPath := filepath.Join(tempDir, noiseKeyFilename)
	key1, err := readOrCreateNoiseKey(keyPath)
	if err != nil {
		t.Fatalf("unable to create noise key: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("unable to stat key file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key file has mode %v, want 0600", info.Mode().Perm())
	}

	key2, err := readOrCreateNoiseKey(keyPath)
	if err != nil {
		t.Fatalf("unable to re-read noise key: %v", err)
	}
	if key1 != key2 {
		t.Fatalf("noise key changed across reads")
	}

	pubKey, err := noisePubKey(key1)
	if err != nil {
		t.Fatalf("unable to derive noise pubkey: %v", err)
	}
	if len(pubKey) != 32 {
		t.Fatalf("noise pubkey is %d bytes, want 32", len(pubKey))
	}

	// A corrupted key file must be reported, not silently regenerated.
	err = ioutil.WriteFile(keyPath, []byte("short"), 0600)
	if err != nil {
		t.Fatalf("unable to corrupt key file: %v", err)
	}
	if _, err := readOrCreateNoiseKey(keyPath); err == nil {
		t.Fatalf("expected an error for a corrupted key file")
	}
}
