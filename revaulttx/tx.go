package revaulttx

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"github.com/revault/miradord/vaultscript"
)

const (
	// txVersion is the version used by all pre-signed transactions. They
	// all spend (or create) outputs encumbered with a relative timelock,
	// which BIP-0068 only enforces from version 2.
	txVersion = 2

	// rbfSequence signals opt-in replace-by-fee while leaving the input's
	// relative timelock disabled.
	rbfSequence = wire.MaxTxInSequenceNum - 2

	// dustLimit is the smallest output value we'll ever create. Below it
	// the network would refuse to relay the transaction.
	dustLimit = btcutil.Amount(546)

	// cpfpOutputValue is the fixed value of the unvault transaction's
	// fee-bumping output. The managers can anchor a CPFP transaction to it
	// if the unvault lingers in the mempool.
	cpfpOutputValue = btcutil.Amount(30000)

	// unvaultTxFeerate is the feerate, in sat/WU, committed to by the
	// pre-signed unvault transaction.
	unvaultTxFeerate = 6

	// cancelTxFeerate is the feerate, in sat/WU, committed to by the
	// pre-signed cancel transaction. Higher than the unvault's, as it's
	// the one racing an attacker.
	cancelTxFeerate = 22

	// unvaultTxWeight and cancelTxWeight are the worst-case witness-units
	// weights of the fully signed transactions. The transactions have a
	// fixed shape, so a constant estimate keeps construction
	// deterministic.
	unvaultTxWeight = 548
	cancelTxWeight  = 628

	unvaultTxFee = btcutil.Amount(unvaultTxFeerate * unvaultTxWeight)
	cancelTxFee  = btcutil.Amount(cancelTxFeerate * cancelTxWeight)
)

var (
	// ErrDust is returned when the value of the output to be created by a
	// transaction would be below the dust limit.
	ErrDust = errors.New("output value below dust limit")

	// ErrUnknownPubKey is returned when adding a signature for a key that
	// isn't part of the stakeholders' multisig.
	ErrUnknownPubKey = errors.New("pubkey is not part of the stakeholders' " +
		"multisig")

	// ErrInvalidSignature is returned when a stored signature doesn't
	// verify against the cancel transaction's sighash.
	ErrInvalidSignature = errors.New("signature check failed")

	// ErrMissingSignatures is returned by Finalize when fewer valid
	// signatures than the stakeholders' threshold were added.
	ErrMissingSignatures = errors.New("not enough signatures to finalize " +
		"cancel transaction")
)

// UnvaultTransaction is the deterministic transaction spending a vault's
// deposit and creating the timelocked unvault output the managers' spend path
// goes through. The watchtower never signs nor broadcasts it, it only
// reconstructs it to learn the unvault outpoint it has to watch.
type UnvaultTransaction struct {
	tx           *wire.MsgTx
	unvaultValue btcutil.Amount
}

// NewUnvaultTransaction constructs the unvault transaction of a vault from
// its deposit outpoint, its value and its derived descriptors. The
// construction is a pure function of its parameters: two calls with the same
// inputs yield byte-identical transactions.
//
// ErrDust is returned if the deposit is too small to pay for the unvault
// output, the cpfp output and the fee.
func NewUnvaultTransaction(depositOutpoint wire.OutPoint,
	amount btcutil.Amount, unvaultDesc *vaultscript.DerivedUnvaultDescriptor,
	cpfpDesc *vaultscript.DerivedCpfpDescriptor) (*UnvaultTransaction, error) {

	unvaultValue := amount - unvaultTxFee - cpfpOutputValue
	if unvaultValue < dustLimit {
		return nil, fmt.Errorf("%w: unvault output of %v for a %v "+
			"deposit", ErrDust, unvaultValue, amount)
	}

	tx := wire.NewMsgTx(txVersion)
	txIn := wire.NewTxIn(&depositOutpoint, nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	tx.AddTxOut(wire.NewTxOut(int64(unvaultValue), unvaultDesc.PkScript()))
	tx.AddTxOut(wire.NewTxOut(int64(cpfpOutputValue), cpfpDesc.PkScript()))

	return &UnvaultTransaction{
		tx:           tx,
		unvaultValue: unvaultValue,
	}, nil
}

// Tx returns the underlying wire transaction.
func (u *UnvaultTransaction) Tx() *wire.MsgTx {
	return u.tx
}

// UnvaultOutpoint returns the outpoint of the unvault output, the one the
// cancel transaction spends and the watchtower polls the UTXO set for.
func (u *UnvaultTransaction) UnvaultOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: u.tx.TxHash(), Index: 0}
}

// CpfpOutpoint returns the outpoint of the fee-bumping output.
func (u *UnvaultTransaction) CpfpOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: u.tx.TxHash(), Index: 1}
}

// UnvaultValue returns the value of the unvault output.
func (u *UnvaultTransaction) UnvaultValue() btcutil.Amount {
	return u.unvaultValue
}

// CancelTransaction is the pre-signed transaction spending the unvault output
// through the stakeholders' path and paying back to the vault's deposit
// script. The watchtower finalizes it with the signatures gathered at
// delegation time and broadcasts it when a policy demands it.
type CancelTransaction struct {
	tx           *wire.MsgTx
	unvaultDesc  *vaultscript.DerivedUnvaultDescriptor
	unvaultValue btcutil.Amount

	// sigs maps a compressed stakeholder pubkey to its validated DER
	// signature.
	sigs map[[33]byte][]byte
}

// NewCancelTransaction constructs the cancel transaction spending the passed
// unvault outpoint back to the vault's deposit script. As with the unvault
// transaction, construction is deterministic. That's what lets the
// watchtower recognize the cancel output on chain whether it was confirmed
// from its own broadcast or from a competing, fee-bumped sibling.
func NewCancelTransaction(unvaultOutpoint wire.OutPoint,
	unvaultValue btcutil.Amount,
	unvaultDesc *vaultscript.DerivedUnvaultDescriptor,
	depositDesc *vaultscript.DerivedDepositDescriptor) (*CancelTransaction, error) {

	cancelValue := unvaultValue - cancelTxFee
	if cancelValue < dustLimit {
		return nil, fmt.Errorf("%w: cancel output of %v for a %v "+
			"unvault", ErrDust, cancelValue, unvaultValue)
	}

	tx := wire.NewMsgTx(txVersion)
	txIn := wire.NewTxIn(&unvaultOutpoint, nil, nil)
	txIn.Sequence = rbfSequence
	tx.AddTxIn(txIn)

	tx.AddTxOut(wire.NewTxOut(int64(cancelValue), depositDesc.PkScript()))

	return &CancelTransaction{
		tx:           tx,
		unvaultDesc:  unvaultDesc,
		unvaultValue: unvaultValue,
		sigs:         make(map[[33]byte][]byte),
	}, nil
}

// Tx returns the underlying wire transaction.
func (c *CancelTransaction) Tx() *wire.MsgTx {
	return c.tx
}

// CancelOutpoint returns the outpoint of the output re-creating the deposit.
// The txid doesn't commit to the witness, so it is known before the
// transaction is finalized.
func (c *CancelTransaction) CancelOutpoint() wire.OutPoint {
	return wire.OutPoint{Hash: c.tx.TxHash(), Index: 0}
}

// AddCancelSig checks the passed DER signature against the cancel
// transaction's sighash for the given stakeholder key and records it for
// finalization. ErrUnknownPubKey is returned for a key outside the
// stakeholders' multisig, ErrInvalidSignature for a signature that doesn't
// verify.
func (c *CancelTransaction) AddCancelSig(pubKey *btcec.PublicKey,
	sig []byte) error {

	var known bool
	for _, stkKey := range c.unvaultDesc.StakeholderKeys {
		if stkKey.IsEqual(pubKey) {
			known = true
			break
		}
	}
	if !known {
		return ErrUnknownPubKey
	}

	sigHash, err := c.sigHash()
	if err != nil {
		return err
	}

	parsedSig, err := btcec.ParseDERSignature(sig, btcec.S256())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsedSig.Verify(sigHash, pubKey) {
		return ErrInvalidSignature
	}

	var keyBytes [33]byte
	copy(keyBytes[:], pubKey.SerializeCompressed())
	c.sigs[keyBytes] = sig

	return nil
}

// NumSigs returns the number of valid signatures added so far.
func (c *CancelTransaction) NumSigs() int {
	return len(c.sigs)
}

// Finalize assembles the input's witness from the added signatures. It fails
// with ErrMissingSignatures if fewer valid signatures than the stakeholders'
// threshold are available. On success the transaction is ready for
// broadcast.
func (c *CancelTransaction) Finalize() error {
	threshold := c.unvaultDesc.StakeholderThreshold

	// CHECKMULTISIG matches signatures against pubkeys in script order,
	// so gather them in the order the keys appear in the witness script.
	orderedSigs := make([][]byte, 0, threshold)
	for _, stkKey := range c.unvaultDesc.StakeholderKeys {
		var keyBytes [33]byte
		copy(keyBytes[:], stkKey.SerializeCompressed())

		sig, ok := c.sigs[keyBytes]
		if !ok {
			continue
		}
		if len(orderedSigs) == threshold {
			break
		}
		orderedSigs = append(orderedSigs, append(sig,
			byte(txscript.SigHashAll)))
	}

	if len(orderedSigs) < threshold {
		return fmt.Errorf("%w: have %d, want %d", ErrMissingSignatures,
			len(orderedSigs), threshold)
	}

	// The stakeholders' path is the first branch of the unvault script:
	// an extra 0x01 on top of the signatures steers OP_IF, and the usual
	// empty element feeds CHECKMULTISIG's off-by-one.
	witness := make(wire.TxWitness, 0, len(orderedSigs)+3)
	witness = append(witness, nil)
	witness = append(witness, orderedSigs...)
	witness = append(witness, []byte{0x01})
	witness = append(witness, c.unvaultDesc.WitnessScript())

	c.tx.TxIn[0].Witness = witness

	log.Tracef("Finalized cancel transaction %v spending unvault %v",
		c.tx.TxHash(), c.tx.TxIn[0].PreviousOutPoint)

	return nil
}

// sigHash computes the BIP-0143 sighash all stakeholders committed to.
func (c *CancelTransaction) sigHash() ([]byte, error) {
	hashCache := txscript.NewTxSigHashes(c.tx)
	return txscript.CalcWitnessSigHash(
		c.unvaultDesc.WitnessScript(), hashCache, txscript.SigHashAll,
		c.tx, 0, int64(c.unvaultValue),
	)
}
