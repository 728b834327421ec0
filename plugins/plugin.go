package plugins

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// A policy plugin is untrusted from a liveness standpoint but trusted from a
// safety one: a crashing plugin is logged and ignored, but whatever
// outpoints a plugin returns *will* be revaulted. The interface is kept to a
// single call with a snapshot of what changed at the new block, so
// subprocess isolation (the production implementation) and in-process stubs
// (tests) are interchangeable.

// Plugin is a single revault policy.
type Plugin interface {
	// Poll hands the plugin the updates brought by a new block and
	// returns the deposit outpoints of the vaults the plugin wants
	// canceled.
	Poll(blockHeight int32, blockInfo *NewBlockInfo) ([]wire.OutPoint, error)
}

// VaultInfo describes a single unvault attempt to the plugins.
type VaultInfo struct {
	// Value is the value of the vault's deposit.
	Value btcutil.Amount

	// DepositOutpoint identifies the vault.
	DepositOutpoint wire.OutPoint

	// UnvaultTx is the unvault transaction observed confirmed.
	UnvaultTx *wire.MsgTx
}

// vaultInfoJSON is the wire form of VaultInfo.
type vaultInfoJSON struct {
	Value           int64  `json:"value"`
	DepositOutpoint string `json:"deposit_outpoint"`
	UnvaultTx       string `json:"unvault_tx"`
}

// MarshalJSON serializes the vault info with the outpoint as "txid:vout" and
// the transaction as raw hex.
func (v *VaultInfo) MarshalJSON() ([]byte, error) {
	var txBuf bytes.Buffer
	if err := v.UnvaultTx.Serialize(&txBuf); err != nil {
		return nil, err
	}

	return json.Marshal(&vaultInfoJSON{
		Value:           int64(v.Value),
		DepositOutpoint: v.DepositOutpoint.String(),
		UnvaultTx:       hex.EncodeToString(txBuf.Bytes()),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *VaultInfo) UnmarshalJSON(data []byte) error {
	var wireInfo vaultInfoJSON
	if err := json.Unmarshal(data, &wireInfo); err != nil {
		return err
	}

	outpoint, err := ParseOutpoint(wireInfo.DepositOutpoint)
	if err != nil {
		return err
	}

	txBytes, err := hex.DecodeString(wireInfo.UnvaultTx)
	if err != nil {
		return err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return err
	}

	v.Value = btcutil.Amount(wireInfo.Value)
	v.DepositOutpoint = *outpoint
	v.UnvaultTx = tx

	return nil
}

// NewBlockInfo is the per-block snapshot handed to every plugin.
type NewBlockInfo struct {
	// NewAttempts lists the unvaults first seen confirmed at this block.
	NewAttempts []*VaultInfo `json:"new_attempts"`

	// SuccessfulAttempts and RevaultedAttempts are reserved hooks for
	// sharing terminal attempt outcomes with the plugins. They are
	// always empty for now.
	SuccessfulAttempts []string `json:"successful_attempts"`
	RevaultedAttempts  []string `json:"revaulted_attempts"`
}

// NewNewBlockInfo returns an empty snapshot with the reserved lists
// materialized, so they serialize as [] rather than null.
func NewNewBlockInfo() *NewBlockInfo {
	return &NewBlockInfo{
		NewAttempts:        make([]*VaultInfo, 0),
		SuccessfulAttempts: make([]string, 0),
		RevaultedAttempts:  make([]string, 0),
	}
}

// ParseOutpoint parses a "txid:vout" string into an outpoint.
func ParseOutpoint(s string) (*wire.OutPoint, error) {
	sep := strings.LastIndex(s, ":")
	if sep == -1 {
		return nil, fmt.Errorf("malformed outpoint '%s'", s)
	}

	hash, err := chainhash.NewHashFromStr(s[:sep])
	if err != nil {
		return nil, fmt.Errorf("malformed outpoint txid '%s': %v",
			s[:sep], err)
	}

	index, err := strconv.ParseUint(s[sep+1:], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed outpoint index '%s': %v",
			s[sep+1:], err)
	}

	return wire.NewOutPoint(hash, uint32(index)), nil
}
