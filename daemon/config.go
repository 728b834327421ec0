package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/revault/miradord/plugins"
	"github.com/revault/miradord/vaultscript"
)

const (
	defaultLogLevel         = "info"
	defaultNetwork          = "bitcoin"
	defaultPollIntervalSecs = 30
	defaultRPCHost          = "127.0.0.1:8332"
	defaultMaxLogFiles      = 3
	defaultMaxLogFileSize   = 10

	defaultConfigFilename = "miradord.conf"
	defaultLogFilename    = "miradord.log"
)

var (
	// defaultDataDir is the platform config path used when data_dir is
	// absent from the configuration.
	defaultDataDir = btcutil.AppDataDir("miradord", false)
)

// bitcoindConfig groups everything needed to reach the backing bitcoind.
type bitcoindConfig struct {
	Network          string `long:"network" description:"The network we watch: bitcoin, testnet or regtest"`
	RPCHost          string `long:"rpchost" description:"host:port of bitcoind's RPC interface"`
	RPCUser          string `long:"rpcuser" description:"bitcoind RPC username"`
	RPCPass          string `long:"rpcpassword" description:"bitcoind RPC password"`
	PollIntervalSecs uint32 `long:"pollintervalsecs" description:"Seconds between two chain polls"`
}

// scriptsConfig groups the three multi-party descriptors of the deployment.
type scriptsConfig struct {
	DepositDescriptor string `long:"depositdescriptor" description:"The deposit output descriptor"`
	UnvaultDescriptor string `long:"unvaultdescriptor" description:"The unvault output descriptor"`
	CpfpDescriptor    string `long:"cpfpdescriptor" description:"The unvault cpfp output descriptor"`
}

// config is the miradord configuration, loaded from an ini-style file. The
// only command line argument is the path to that file.
type config struct {
	DataDir  string `long:"datadir" description:"The directory to store watchtower state in"`
	LogLevel string `long:"loglevel" description:"Logging level: trace, debug, info, warn, error, critical"`

	Bitcoind *bitcoindConfig `group:"Bitcoind" namespace:"bitcoind"`
	Scripts  *scriptsConfig  `group:"Scripts" namespace:"scripts"`

	// Plugins is the ordered list of policy plugins. Each entry is the
	// path to an executable, optionally followed by whitespace and a JSON
	// object passed through to the plugin on every poll.
	Plugins []string `long:"plugin" description:"Path to a policy plugin, optionally followed by its JSON configuration"`

	// The fields below are derived from the raw options at load time.
	netParams   *chaincfg.Params
	chainName   string
	depositDesc *vaultscript.DepositDescriptor
	unvaultDesc *vaultscript.UnvaultDescriptor
	cpfpDesc    *vaultscript.CpfpDescriptor
	plugins     []plugins.Plugin
}

// loadConfig reads the configuration file, applies defaults and validates
// everything that can be validated upfront: the network, the descriptors and
// the plugin paths. A config that made it through loadConfig can only fail
// descriptor derivation at runtime on an invalid BIP32 child key.
func loadConfig(confPath string) (*config, error) {
	cfg := &config{
		DataDir:  defaultDataDir,
		LogLevel: defaultLogLevel,
		Bitcoind: &bitcoindConfig{
			Network:          defaultNetwork,
			RPCHost:          defaultRPCHost,
			PollIntervalSecs: defaultPollIntervalSecs,
		},
		Scripts: &scriptsConfig{},
	}

	if confPath == "" {
		confPath = filepath.Join(defaultDataDir, defaultConfigFilename)
	}

	parser := flags.NewParser(cfg, flags.None)
	if err := flags.NewIniParser(parser).ParseFile(confPath); err != nil {
		return nil, fmt.Errorf("unable to parse configuration file "+
			"'%s': %v", confPath, err)
	}

	switch cfg.Bitcoind.Network {
	case "bitcoin", "mainnet":
		cfg.netParams = &chaincfg.MainNetParams
		cfg.chainName = "main"
	case "testnet", "testnet3":
		cfg.netParams = &chaincfg.TestNet3Params
		cfg.chainName = "test"
	case "regtest":
		cfg.netParams = &chaincfg.RegressionNetParams
		cfg.chainName = "regtest"
	default:
		return nil, fmt.Errorf("unknown network '%s'",
			cfg.Bitcoind.Network)
	}

	if cfg.Bitcoind.PollIntervalSecs == 0 {
		return nil, fmt.Errorf("bitcoind.pollintervalsecs must be " +
			"positive")
	}

	var err error
	cfg.depositDesc, err = vaultscript.ParseDepositDescriptor(
		cfg.Scripts.DepositDescriptor,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid deposit descriptor: %v", err)
	}
	cfg.unvaultDesc, err = vaultscript.ParseUnvaultDescriptor(
		cfg.Scripts.UnvaultDescriptor,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid unvault descriptor: %v", err)
	}
	cfg.cpfpDesc, err = vaultscript.ParseCpfpDescriptor(
		cfg.Scripts.CpfpDescriptor,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid cpfp descriptor: %v", err)
	}

	for _, entry := range cfg.Plugins {
		path := entry
		var pluginConf json.RawMessage

		if sep := strings.IndexAny(entry, " \t"); sep != -1 {
			path = entry[:sep]
			confBlob := strings.TrimSpace(entry[sep+1:])
			if !json.Valid([]byte(confBlob)) {
				return nil, fmt.Errorf("plugin '%s': invalid "+
					"JSON configuration", path)
			}
			pluginConf = json.RawMessage(confBlob)
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s': %v", path, err)
		}
		if info.Mode()&0111 == 0 {
			return nil, fmt.Errorf("plugin '%s' is not executable",
				path)
		}

		cfg.plugins = append(cfg.plugins, plugins.NewExecPlugin(
			path, pluginConf,
		))
	}

	// Per-network state lives in a subdirectory, like bitcoind does it.
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.Bitcoind.Network)

	return cfg, nil
}
