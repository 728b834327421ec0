package bitcoind

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// syncPollInterval is how long we wait between two sync-progress queries
// while the node is still in initial block download.
const syncPollInterval = 30 * time.Second

// Config describes how to reach the bitcoind RPC interface.
type Config struct {
	// Host is the RPC host:port of the bitcoind instance.
	Host string

	// User and Pass are the RPC credentials.
	User string
	Pass string
}

// BitcoinD is the production ChainIO implementation, speaking JSON-RPC to a
// local bitcoind instance over HTTP POST.
type BitcoinD struct {
	client *rpcclient.Client
}

// A compile time check to ensure BitcoinD implements the ChainIO interface.
var _ ChainIO = (*BitcoinD)(nil)

// New establishes the RPC connection to bitcoind.
func New(cfg *Config) (*BitcoinD, error) {
	rpcConfig := &rpcclient.ConnConfig{
		Host:                 cfg.Host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableConnectOnNew:  true,
		DisableAutoReconnect: false,
		DisableTLS:           true,
		HTTPPostMode:         true,
	}

	client, err := rpcclient.New(rpcConfig, nil)
	if err != nil {
		return nil, err
	}

	return &BitcoinD{client: client}, nil
}

// SanityCheck verifies the node is reachable and runs on the expected chain.
func (b *BitcoinD) SanityCheck(expectedChain string) error {
	info, err := b.client.GetBlockChainInfo()
	if err != nil {
		return fmt.Errorf("unable to reach bitcoind: %v", err)
	}

	if info.Chain != expectedChain {
		return fmt.Errorf("bitcoind is running on chain '%s', "+
			"configuration says '%s'", info.Chain, expectedChain)
	}

	return nil
}

// WaitSynced blocks until the node is done with its initial block download.
// The quit channel aborts the wait between two polls.
func (b *BitcoinD) WaitSynced(quit <-chan struct{}) error {
	for {
		info, err := b.client.GetBlockChainInfo()
		if err != nil {
			return err
		}

		if info.VerificationProgress > 0.9999 {
			return nil
		}

		log.Infof("bitcoind is still syncing, verification progress "+
			"at %.4f (%d blocks, %d headers)",
			info.VerificationProgress, info.Blocks, info.Headers)

		select {
		case <-time.After(syncPollInterval):
		case <-quit:
			return fmt.Errorf("interrupted while waiting for " +
				"bitcoind to sync")
		}
	}
}

// LoadWatchonlyWallet makes sure our watch-only wallet is loaded on the
// node, creating it on first run. The wallet file lives under our data
// directory so concurrent watchtowers don't step on each other.
func (b *BitcoinD) LoadWatchonlyWallet(walletPath string) error {
	wallets, err := b.listWallets()
	if err != nil {
		return err
	}
	for _, wallet := range wallets {
		if wallet == walletPath {
			return nil
		}
	}

	// Try to load it, and fall back to creating a blank wallet with
	// private keys disabled.
	if err := b.loadWallet(walletPath); err == nil {
		return nil
	} else if !strings.Contains(err.Error(), "not found") &&
		!strings.Contains(err.Error(), "does not exist") {

		return err
	}

	log.Infof("Wallet at '%s' doesn't exist yet, creating it", walletPath)

	return b.createWallet(walletPath)
}

func (b *BitcoinD) listWallets() ([]string, error) {
	resp, err := b.client.RawRequest("listwallets", nil)
	if err != nil {
		return nil, err
	}

	var wallets []string
	if err := json.Unmarshal(resp, &wallets); err != nil {
		return nil, err
	}

	return wallets, nil
}

func (b *BitcoinD) loadWallet(walletPath string) error {
	name, err := json.Marshal(walletPath)
	if err != nil {
		return err
	}

	_, err = b.client.RawRequest("loadwallet", []json.RawMessage{name})
	return err
}

func (b *BitcoinD) createWallet(walletPath string) error {
	name, err := json.Marshal(walletPath)
	if err != nil {
		return err
	}

	// createwallet "wallet_name" disable_private_keys blank
	params := []json.RawMessage{
		name,
		json.RawMessage("true"),
		json.RawMessage("true"),
	}

	_, err = b.client.RawRequest("createwallet", params)
	return err
}

// ChainTip returns the node's current best block.
func (b *BitcoinD) ChainTip() (*ChainTip, error) {
	info, err := b.client.GetBlockChainInfo()
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return nil, err
	}

	return &ChainTip{
		Height: info.Blocks,
		Hash:   *hash,
	}, nil
}

// BlockHash returns the hash of the block at the given height in the node's
// active chain.
func (b *BitcoinD) BlockHash(height int32) (*chainhash.Hash, error) {
	return b.client.GetBlockHash(int64(height))
}

// UtxoInfo looks up an outpoint in the node's confirmed UTXO set, excluding
// the mempool. A nil result with a nil error means the outpoint is unknown
// or spent.
func (b *BitcoinD) UtxoInfo(outpoint *wire.OutPoint) (*UtxoInfo, error) {
	res, err := b.client.GetTxOut(&outpoint.Hash, outpoint.Index, false)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	bestBlock, err := chainhash.NewHashFromStr(res.BestBlock)
	if err != nil {
		return nil, err
	}

	value, err := btcutil.NewAmount(res.Value)
	if err != nil {
		return nil, err
	}

	return &UtxoInfo{
		Confirmations: int32(res.Confirmations),
		BestBlock:     *bestBlock,
		Value:         int64(value),
	}, nil
}

// BroadcastTx submits the transaction to the node's mempool for relay.
func (b *BitcoinD) BroadcastTx(tx *wire.MsgTx) error {
	txid, err := b.client.SendRawTransaction(tx, false)
	if err != nil {
		// Our cancel transactions are deterministic, a re-broadcast
		// after a restart is expected to hit this.
		if strings.Contains(err.Error(), "already in block chain") ||
			strings.Contains(err.Error(), "txn-already-known") ||
			strings.Contains(err.Error(), "txn-already-in-mempool") {

			log.Debugf("Transaction %v already known to the "+
				"network", tx.TxHash())
			return nil
		}

		return err
	}

	log.Debugf("Broadcast transaction %v", txid)

	return nil
}
