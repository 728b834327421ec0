package daemon

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"

	"github.com/revault/miradord/bitcoind"
	"github.com/revault/miradord/plugins"
	"github.com/revault/miradord/revaulttx"
	"github.com/revault/miradord/vaultdb"
	"github.com/revault/miradord/vaultscript"
)

// reorgWatchLimit is how many confirmations we wait on a consumed vault
// before considering it irreversibly spent and forgetting about it.
const reorgWatchLimit = 288

var (
	// errReorgDetected is returned by the poller when the chain diverged
	// from the last block we processed. There is no reorg handling yet,
	// the daemon halts.
	errReorgDetected = errors.New("reorg detected, no reorg handling yet")

	// errChainMoved is returned when the node's tip changed while we were
	// in the middle of processing a block. The tick is aborted and
	// replayed from scratch on the next one.
	errChainMoved = errors.New("chain moved while processing the block")
)

// pollerConfig abstracts the subsystems used by the poller. An instance of
// pollerConfig is passed to newPoller during instantiation.
type pollerConfig struct {
	// DB is the vault store. The poller is its only writer.
	DB *vaultdb.DB

	// Chain provides the view over the backing full node.
	Chain bitcoind.ChainIO

	// Plugins is the ordered list of revault policies to consult at each
	// new block.
	Plugins []plugins.Plugin

	// DepositDesc, UnvaultDesc and CpfpDesc are the deployment's
	// descriptors, derived per-vault at the vault's derivation index.
	DepositDesc *vaultscript.DepositDescriptor
	UnvaultDesc *vaultscript.UnvaultDescriptor
	CpfpDesc    *vaultscript.CpfpDescriptor

	// PollInterval is the time to sleep between two ticks.
	PollInterval time.Duration
}

// poller is the single-threaded state machine at the core of the watchtower.
// Once per PollInterval it compares the node's tip to the last processed
// one, and on a new block walks every watched vault through unvault
// detection, policy consultation and cancel tracking.
type poller struct {
	cfg *pollerConfig
}

// newPoller creates a new poller from its config.
func newPoller(cfg *pollerConfig) *poller {
	return &poller{cfg: cfg}
}

// derivedDescriptors is the per-vault instantiation of the three
// descriptors.
type derivedDescriptors struct {
	deposit *vaultscript.DerivedDepositDescriptor
	unvault *vaultscript.DerivedUnvaultDescriptor
	cpfp    *vaultscript.DerivedCpfpDescriptor
}

// Run ticks until the quit channel is closed. Store and chain errors abort
// the current tick and are retried on the next one; only a detected reorg
// makes Run return an error.
func (p *poller) Run(quit <-chan struct{}) error {
	pollLog.Infof("Poller starting with an interval of %v",
		p.cfg.PollInterval)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.tick(); err != nil {
			if errors.Is(err, errReorgDetected) {
				return err
			}
			pollLog.Errorf("Error processing tick, retrying on "+
				"the next one: %v", err)
		}

		select {
		case <-ticker.C:
		case <-quit:
			pollLog.Infof("Poller shutting down")
			return nil
		}
	}
}

// tick runs one iteration of the main loop: check whether the node learned
// about new blocks and if so run a block-step, then atomically advance the
// stored tip.
func (p *poller) tick() error {
	storedHeight, storedHash, err := p.cfg.DB.Tip()
	if err != nil {
		return err
	}

	tip, err := p.cfg.Chain.ChainTip()
	if err != nil {
		return err
	}

	switch {
	case tip.Height > storedHeight:
		if storedHeight != 0 {
			nodeHash, err := p.cfg.Chain.BlockHash(storedHeight)
			if err != nil {
				return err
			}
			if !nodeHash.IsEqual(storedHash) {
				pollLog.Criticalf("Block hash at height %d "+
					"changed from %v to %v", storedHeight,
					storedHash, nodeHash)
				return errReorgDetected
			}
		}

		if err := p.newBlock(tip); err != nil {
			return err
		}

		if err := p.cfg.DB.UpdateTip(tip.Height, &tip.Hash); err != nil {
			return err
		}
		pollLog.Debugf("Tip advanced to height %d (%v)", tip.Height,
			tip.Hash)

	case tip.Hash != *storedHash:
		pollLog.Criticalf("Tip hash changed at height %d: had %v, "+
			"node says %v", storedHeight, storedHash, tip.Hash)
		return errReorgDetected
	}

	return nil
}

// newBlock runs a block-step: detect new unvaults, consult the plugins and
// revault what they tell us to, then track the cancel attempts in flight.
// We only do actual processing on new blocks. This puts a natural limit on
// the amount of work we are doing, and there is no benefit in trying to
// cancel unvaults right after their broadcast.
func (p *poller) newBlock(tip *bitcoind.ChainTip) error {
	blockInfo, err := p.checkForUnvaults(tip)
	if err != nil {
		return err
	}

	if err := p.maybeRevault(tip, blockInfo); err != nil {
		return err
	}

	return p.manageCancelAttempts(tip)
}

// descriptors derives the deployment descriptors at a vault's index.
func (p *poller) descriptors(vault *vaultdb.Vault) (*derivedDescriptors, error) {
	deposit, err := p.cfg.DepositDesc.Derive(vault.DerivationIndex)
	if err != nil {
		return nil, err
	}
	unvault, err := p.cfg.UnvaultDesc.Derive(vault.DerivationIndex)
	if err != nil {
		return nil, err
	}
	cpfp, err := p.cfg.CpfpDesc.Derive(vault.DerivationIndex)
	if err != nil {
		return nil, err
	}

	return &derivedDescriptors{
		deposit: deposit,
		unvault: unvault,
		cpfp:    cpfp,
	}, nil
}

// unvaultTx reconstructs a vault's unvault transaction. The construction is
// deterministic, so the resulting outpoints match what may already be on
// chain.
func (p *poller) unvaultTx(vault *vaultdb.Vault,
	descs *derivedDescriptors) (*revaulttx.UnvaultTransaction, error) {

	return revaulttx.NewUnvaultTransaction(
		vault.DepositOutpoint, vault.Amount, descs.unvault, descs.cpfp,
	)
}

// checkForUnvaults polls the node for new unvault UTXOs of the delegated
// vaults we watch. Each new confirmed unvault is recorded in the store and
// reported in the returned block info for the plugins to judge.
func (p *poller) checkForUnvaults(
	tip *bitcoind.ChainTip) (*plugins.NewBlockInfo, error) {

	delegated, err := p.cfg.DB.DelegatedVaults()
	if err != nil {
		return nil, err
	}

	blockInfo := plugins.NewNewBlockInfo()
	for _, vault := range delegated {
		descs, err := p.descriptors(vault)
		if err != nil {
			pollLog.Errorf("Error deriving descriptors for vault "+
				"at %v: %v", vault.DepositOutpoint, err)
			continue
		}
		unvaultTx, err := p.unvaultTx(vault, descs)
		if err != nil {
			// They should never delegate dust vaults to us, but a
			// dust vault is theirs to lose, not ours to crash on.
			pollLog.Errorf("Error deriving unvault transaction "+
				"for vault at %v: %v", vault.DepositOutpoint,
				err)
			continue
		}

		unvaultOutpoint := unvaultTx.UnvaultOutpoint()
		utxoInfo, err := p.cfg.Chain.UtxoInfo(&unvaultOutpoint)
		if err != nil {
			return nil, err
		}
		if utxoInfo == nil {
			continue
		}
		if utxoInfo.BestBlock != tip.Hash {
			return nil, errChainMoved
		}

		unvaultHeight := tip.Height - (utxoInfo.Confirmations - 1)
		if utxoInfo.Confirmations < 1 || unvaultHeight <= 0 {
			// The node only reports confirmed outputs, this
			// should never happen.
			pollLog.Errorf("Insane confirmation count %d at tip "+
				"%d for unvault %v", utxoInfo.Confirmations,
				tip.Height, unvaultOutpoint)
			continue
		}

		pollLog.Debugf("Got a confirmed unvault UTXO at %v: %v",
			unvaultOutpoint, newLogClosure(func() string {
				return spew.Sdump(utxoInfo)
			}))

		// If it needs to be canceled it will be marked as such when
		// the plugins tell us so.
		err = p.cfg.DB.ShouldNotCancelVault(vault.ID, unvaultHeight)
		if err != nil {
			return nil, err
		}

		blockInfo.NewAttempts = append(blockInfo.NewAttempts,
			&plugins.VaultInfo{
				Value:           vault.Amount,
				DepositOutpoint: vault.DepositOutpoint,
				UnvaultTx:       unvaultTx.Tx(),
			})
	}

	return blockInfo, nil
}

// maybeRevault polls each of our plugins for vaults to be revaulted given
// the updates brought by the latest block, and broadcasts a cancel for every
// outpoint they return. A failing plugin is logged and ignored, the other
// plugins still run.
func (p *poller) maybeRevault(tip *bitcoind.ChainTip,
	blockInfo *plugins.NewBlockInfo) error {

	var toRevault []wire.OutPoint
	for _, plugin := range p.cfg.Plugins {
		outpoints, err := plugin.Poll(tip.Height, blockInfo)
		if err != nil {
			pollLog.Errorf("Error when polling plugin: %v", err)
			continue
		}
		toRevault = append(toRevault, outpoints...)
	}

	for _, outpoint := range toRevault {
		outpoint := outpoint
		vault, err := p.cfg.DB.Vault(&outpoint)
		if errors.Is(err, vaultdb.ErrVaultNotFound) {
			// Must never happen, but a confused plugin is no
			// reason to stop watching the sane vaults.
			pollLog.Errorf("A plugin told us to revault an " +
				"inexistent vault")
			continue
		} else if err != nil {
			return err
		}

		if vault.UnvaultHeight == 0 {
			pollLog.Errorf("A plugin told us to revault a " +
				"non-unvaulted vault")
			continue
		}

		descs, err := p.descriptors(vault)
		if err != nil {
			pollLog.Errorf("Error deriving descriptors for vault "+
				"at %v: %v", vault.DepositOutpoint, err)
			continue
		}
		unvaultTx, err := p.unvaultTx(vault, descs)
		if err != nil {
			pollLog.Errorf("Error deriving unvault transaction "+
				"for vault at %v: %v", vault.DepositOutpoint,
				err)
			continue
		}

		err = p.cfg.DB.ShouldCancelVault(vault.ID, vault.UnvaultHeight)
		if err != nil {
			return err
		}

		if err := p.revault(vault, unvaultTx, descs); err != nil {
			return err
		}
	}

	return nil
}

// revault finalizes the vault's cancel transaction with the stored
// signatures and broadcasts it. Construction, signature and broadcast
// failures are logged but only store errors propagate.
func (p *poller) revault(vault *vaultdb.Vault,
	unvaultTx *revaulttx.UnvaultTransaction,
	descs *derivedDescriptors) error {

	cancelTx, err := revaulttx.NewCancelTransaction(
		unvaultTx.UnvaultOutpoint(), unvaultTx.UnvaultValue(),
		descs.unvault, descs.deposit,
	)
	if err != nil {
		pollLog.Errorf("Error deriving cancel transaction for vault "+
			"at %v: %v", vault.DepositOutpoint, err)
		return nil
	}

	sigs, err := p.cfg.DB.CancelSignatures(vault.ID)
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		if err := cancelTx.AddCancelSig(sig.PubKey, sig.Signature); err != nil {
			pollLog.Errorf("Error adding signature for key %x to "+
				"cancel transaction of vault at %v: %v",
				sig.PubKey.SerializeCompressed(),
				vault.DepositOutpoint, err)
			continue
		}
		pollLog.Tracef("Added signature for key %x to cancel "+
			"transaction of vault at %v",
			sig.PubKey.SerializeCompressed(),
			vault.DepositOutpoint)
	}

	if err := cancelTx.Finalize(); err != nil {
		// Don't crash, though.
		pollLog.Errorf("Error finalizing cancel transaction for "+
			"vault at %v: %v", vault.DepositOutpoint, err)
		return nil
	}

	if err := p.cfg.Chain.BroadcastTx(cancelTx.Tx()); err != nil {
		pollLog.Errorf("Error broadcasting cancel transaction %v for "+
			"vault at %v: %v", cancelTx.Tx().TxHash(),
			vault.DepositOutpoint, err)
		return nil
	}

	pollLog.Debugf("Broadcast cancel transaction %v for vault at %v",
		cancelTx.Tx().TxHash(), vault.DepositOutpoint)

	return nil
}

// manageCancelAttempts walks the vaults for which a revault was ordered or
// observed: it waits for the cancel (or whatever else consumed the unvault
// output) to confirm, and forgets vaults whose consumption sank deep enough
// in the chain to be considered irreversible.
func (p *poller) manageCancelAttempts(tip *bitcoind.ChainTip) error {
	canceling, err := p.cfg.DB.CancelingVaults()
	if err != nil {
		return err
	}

	for _, vault := range canceling {
		descs, err := p.descriptors(vault)
		if err != nil {
			pollLog.Errorf("Error deriving descriptors for vault "+
				"at %v: %v", vault.DepositOutpoint, err)
			continue
		}
		unvaultTx, err := p.unvaultTx(vault, descs)
		if err != nil {
			pollLog.Errorf("Error deriving unvault transaction "+
				"for vault at %v: %v", vault.DepositOutpoint,
				err)
			continue
		}
		cancelTx, err := revaulttx.NewCancelTransaction(
			unvaultTx.UnvaultOutpoint(), unvaultTx.UnvaultValue(),
			descs.unvault, descs.deposit,
		)
		if err != nil {
			pollLog.Errorf("Error deriving cancel transaction "+
				"for vault at %v: %v", vault.DepositOutpoint,
				err)
			continue
		}

		// If it was confirmed, check for how long and maybe forget
		// it. Otherwise check whether it confirmed since our last
		// poll.
		if vault.RevocHeight != 0 {
			nConfs := tip.Height + 1 - vault.RevocHeight
			if nConfs > reorgWatchLimit {
				if err := p.cfg.DB.DeleteVault(vault.ID); err != nil {
					return err
				}
				pollLog.Infof("Forgetting about consumed "+
					"vault at %v after its cancel "+
					"transaction had %d confirmations",
					vault.DepositOutpoint, nConfs)
			}
			continue
		}

		// Did our cancel output just confirm? We look for the output,
		// not the txid we broadcast: a competing transaction signed by
		// the same quorum pays to the very same script.
		cancelOutpoint := cancelTx.CancelOutpoint()
		utxoInfo, err := p.cfg.Chain.UtxoInfo(&cancelOutpoint)
		if err != nil {
			return err
		}
		if utxoInfo != nil {
			if utxoInfo.BestBlock != tip.Hash {
				return errChainMoved
			}

			// Can't be below 1, the mempool is excluded.
			confirmationHeight := tip.Height + 1 -
				utxoInfo.Confirmations
			err := p.cfg.DB.RevocConfirmed(vault.ID,
				confirmationHeight)
			if err != nil {
				return err
			}

			pollLog.Debugf("Vault at %v cancel transaction %v "+
				"confirmed at height %d",
				vault.DepositOutpoint, cancelTx.Tx().TxHash(),
				confirmationHeight)
			continue
		}

		// No confirmed cancel output. If the unvault output is still
		// unspent our cancel is simply unconfirmed. If it's gone,
		// something consumed it: our cancel, a competing cancel, or,
		// once the timelock matured, a spend.
		unvaultOutpoint := unvaultTx.UnvaultOutpoint()
		unvaultUtxo, err := p.cfg.Chain.UtxoInfo(&unvaultOutpoint)
		if err != nil {
			return err
		}
		if unvaultUtxo == nil {
			if vault.UnvaultHeight == 0 {
				// Must never happen, we only start tracking a
				// cancel attempt after the unvault confirmed.
				pollLog.Errorf("No unvault height for "+
					"unvaulted vault at %v",
					vault.DepositOutpoint)
				continue
			}

			// Record the consumption at the current tip either
			// way: it keeps the reorg-watch timer ticking so the
			// vault is eventually forgotten.
			csvExpiry := vault.UnvaultHeight +
				int32(p.cfg.UnvaultDesc.CSV())
			err := p.cfg.DB.RevocConfirmed(vault.ID, tip.Height)
			if err != nil {
				return err
			}

			if tip.Height < csvExpiry {
				// The timelock hasn't matured, only a cancel
				// can have spent the unvault output.
				pollLog.Debugf("Noticed at height %d that "+
					"cancel transaction %v was confirmed "+
					"for vault at %v", tip.Height,
					cancelTx.Tx().TxHash(),
					vault.DepositOutpoint)
			} else {
				pollLog.Infof("Noticed at height %d that "+
					"unvault UTXO %v was spent for vault "+
					"at %v, but our cancel transaction "+
					"output is not part of the UTXO set",
					tip.Height, unvaultOutpoint,
					vault.DepositOutpoint)
			}
			continue
		}

		// Ok, the cancel is still unconfirmed.
		pollLog.Debugf("Cancel transaction %v for vault at %v is "+
			"still unconfirmed at height %d",
			cancelTx.Tx().TxHash(), vault.DepositOutpoint,
			tip.Height)
	}

	return nil
}
