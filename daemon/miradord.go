package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/go-errors/errors"

	"github.com/revault/miradord/bitcoind"
	"github.com/revault/miradord/vaultdb"
)

const (
	// vaultWatchonlyFilename is the name of the watch-only wallet we have
	// the node carry for us, under our per-network data directory.
	vaultWatchonlyFilename = "vault_watchonly"

	// vaultDBFilename is the name of the vault store file.
	vaultDBFilename = "vaultdb.db"
)

// usageError is returned for any argv shape other than none or
// '--conf <path>'.
type usageError struct {
	args []string
}

func (u *usageError) Error() string {
	return fmt.Sprintf("unknown arguments '%v'.\nOnly '--conf "+
		"<configuration file path>' is supported.", u.args)
}

// parseArgs extracts the configuration file path from the command line. The
// only accepted forms are no argument at all and '--conf <path>'.
func parseArgs(args []string) (string, error) {
	if len(args) == 1 {
		return "", nil
	}

	if len(args) != 3 || args[1] != "--conf" {
		return "", &usageError{args: args[1:]}
	}

	return args[2], nil
}

// Main is the real entry point for miradord. It is invoked from the main
// function in a nested manner so defers run on a graceful shutdown.
func Main(args []string) error {
	// The datadir and key files below rely on POSIX permission bits.
	if runtime.GOOS == "windows" {
		return errors.New("only POSIX systems are supported")
	}

	confPath, err := parseArgs(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(confPath)
	if err != nil {
		return err
	}
	setLogLevels(cfg.LogLevel)

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		mirdLog.Infof("Data directory doesn't exist, creating it")
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return errors.Errorf("unable to create data "+
				"directory: %v", err)
		}
	}
	cfg.DataDir, err = filepath.Abs(cfg.DataDir)
	if err != nil {
		return errors.Errorf("unable to canonicalize data "+
			"directory: %v", err)
	}

	if err := initLogRotator(
		filepath.Join(cfg.DataDir, defaultLogFilename),
		defaultMaxLogFileSize, defaultMaxLogFiles,
	); err != nil {
		return errors.Errorf("unable to initialize log rotator: %v",
			err)
	}
	defer logRotator.Close()

	mirdLog.Infof("Using data directory '%s'", cfg.DataDir)

	// Shutdown is cooperative: the poller only honors it between ticks.
	quit := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		mirdLog.Infof("Received %v, shutting down", sig)
		close(quit)
	}()

	mirdLog.Infof("Setting up bitcoind connection")
	chain, err := bitcoind.New(&bitcoind.Config{
		Host: cfg.Bitcoind.RPCHost,
		User: cfg.Bitcoind.RPCUser,
		Pass: cfg.Bitcoind.RPCPass,
	})
	if err != nil {
		return errors.Errorf("unable to set up bitcoind RPC "+
			"connection: %v", err)
	}
	if err := chain.SanityCheck(cfg.chainName); err != nil {
		return err
	}

	mirdLog.Infof("Checking if bitcoind is synced")
	if err := chain.WaitSynced(quit); err != nil {
		return err
	}

	walletPath := filepath.Join(cfg.DataDir, vaultWatchonlyFilename)
	if err := chain.LoadWatchonlyWallet(walletPath); err != nil {
		return errors.Errorf("unable to load vault watchonly "+
			"wallet: %v", err)
	}
	// TODO: load the feebumping wallet too.

	noiseKeyPath := filepath.Join(cfg.DataDir, noiseKeyFilename)
	mirdLog.Infof("Reading or generating Noise key at '%s'", noiseKeyPath)
	noiseKey, err := readOrCreateNoiseKey(noiseKeyPath)
	if err != nil {
		return errors.Errorf("unable to read or generate Noise "+
			"key: %v", err)
	}
	noisePub, err := noisePubKey(noiseKey)
	if err != nil {
		return err
	}
	mirdLog.Infof("Using Noise key '%x'", noisePub)

	db, err := vaultdb.Open(filepath.Join(cfg.DataDir, vaultDBFilename))
	if err != nil {
		return errors.Errorf("unable to open vault store: %v", err)
	}
	defer db.Close()

	p := newPoller(&pollerConfig{
		DB:           db,
		Chain:        chain,
		Plugins:      cfg.plugins,
		DepositDesc:  cfg.depositDesc,
		UnvaultDesc:  cfg.unvaultDesc,
		CpfpDesc:     cfg.cpfpDesc,
		PollInterval: time.Duration(cfg.Bitcoind.PollIntervalSecs) *
			time.Second,
	})

	return p.Run(quit)
}
