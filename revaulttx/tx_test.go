package revaulttx_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/hdkeychain"

	"github.com/revault/miradord/revaulttx"
	"github.com/revault/miradord/vaultscript"
)

const (
	testDerivationIndex uint32 = 21

	testAmount = btcutil.Amount(500_000)
)

// testVault bundles the fixtures of a single vault: its derived descriptors,
// its deposit outpoint, and the stakeholders' private keys at the vault's
// derivation index.
type testVault struct {
	depositOutpoint wire.OutPoint
	deposit         *vaultscript.DerivedDepositDescriptor
	unvault         *vaultscript.DerivedUnvaultDescriptor
	cpfp            *vaultscript.DerivedCpfpDescriptor
	stkPrivKeys     []*btcec.PrivateKey
}

// newTestVault derives a deterministic set of vault fixtures from fixed
// seeds.
func newTestVault(t *testing.T) *testVault {
	t.Helper()

	var (
		masters []*hdkeychain.ExtendedKey
		xpubs   []string
	)
	for i := byte(1); i <= 3; i++ {
		seed := bytes.Repeat([]byte{i}, 32)
		master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
		if err != nil {
			t.Fatalf("unable to derive master key: %v", err)
		}
		neutered, err := master.Neuter()
		if err != nil {
			t.Fatalf("unable to neuter master key: %v", err)
		}
		masters = append(masters, master)
		xpubs = append(xpubs, neutered.String())
	}

	depositDesc, err := vaultscript.ParseDepositDescriptor(fmt.Sprintf(
		"wsh(multi(2,%s/*,%s/*))", xpubs[0], xpubs[1],
	))
	if err != nil {
		t.Fatalf("unable to parse deposit descriptor: %v", err)
	}
	unvaultDesc, err := vaultscript.ParseUnvaultDescriptor(fmt.Sprintf(
		"wsh(unvault(multi(2,%s/*,%s/*),multi(1,%s/*),older(144)))",
		xpubs[0], xpubs[1], xpubs[2],
	))
	if err != nil {
		t.Fatalf("unable to parse unvault descriptor: %v", err)
	}
	cpfpDesc, err := vaultscript.ParseCpfpDescriptor(fmt.Sprintf(
		"wsh(multi(1,%s/*))", xpubs[2],
	))
	if err != nil {
		t.Fatalf("unable to parse cpfp descriptor: %v", err)
	}

	deposit, err := depositDesc.Derive(testDerivationIndex)
	if err != nil {
		t.Fatalf("unable to derive deposit descriptor: %v", err)
	}
	unvault, err := unvaultDesc.Derive(testDerivationIndex)
	if err != nil {
		t.Fatalf("unable to derive unvault descriptor: %v", err)
	}
	cpfp, err := cpfpDesc.Derive(testDerivationIndex)
	if err != nil {
		t.Fatalf("unable to derive cpfp descriptor: %v", err)
	}

	var stkPrivKeys []*btcec.PrivateKey
	for _, master := range masters[:2] {
		child, err := master.Child(testDerivationIndex)
		if err != nil {
			t.Fatalf("unable to derive child key: %v", err)
		}
		privKey, err := child.ECPrivKey()
		if err != nil {
			t.Fatalf("unable to extract private key: %v", err)
		}
		stkPrivKeys = append(stkPrivKeys, privKey)
	}

	depositTxid, err := chainhash.NewHashFromStr(strings.Repeat("ad", 32))
	if err != nil {
		t.Fatalf("unable to create txid: %v", err)
	}

	return &testVault{
		depositOutpoint: *wire.NewOutPoint(depositTxid, 0),
		deposit:         deposit,
		unvault:         unvault,
		cpfp:            cpfp,
		stkPrivKeys:     stkPrivKeys,
	}
}

// unvaultTx builds the vault's unvault transaction, failing the test on
// error.
func (v *testVault) unvaultTx(t *testing.T) *revaulttx.UnvaultTransaction {
	t.Helper()

	tx, err := revaulttx.NewUnvaultTransaction(
		v.depositOutpoint, testAmount, v.unvault, v.cpfp,
	)
	if err != nil {
		t.Fatalf("unable to build unvault transaction: %v", err)
	}

	return tx
}

// cancelTx builds the vault's cancel transaction, failing the test on error.
func (v *testVault) cancelTx(t *testing.T) *revaulttx.CancelTransaction {
	t.Helper()

	unvaultTx := v.unvaultTx(t)
	tx, err := revaulttx.NewCancelTransaction(
		unvaultTx.UnvaultOutpoint(), unvaultTx.UnvaultValue(),
		v.unvault, v.deposit,
	)
	if err != nil {
		t.Fatalf("unable to build cancel transaction: %v", err)
	}

	return tx
}

// cancelSigHash computes the sighash the stakeholders committed to when
// pre-signing the cancel transaction.
func (v *testVault) cancelSigHash(t *testing.T,
	cancelTx *revaulttx.CancelTransaction) []byte {

	t.Helper()

	unvaultTx := v.unvaultTx(t)
	sigHash, err := txscript.CalcWitnessSigHash(
		v.unvault.WitnessScript(),
		txscript.NewTxSigHashes(cancelTx.Tx()), txscript.SigHashAll,
		cancelTx.Tx(), 0, int64(unvaultTx.UnvaultValue()),
	)
	if err != nil {
		t.Fatalf("unable to compute sighash: %v", err)
	}

	return sigHash
}

func serializeTx(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("unable to serialize transaction: %v", err)
	}

	return buf.Bytes()
}

// TestUnvaultTxDeterminism asserts two constructions from the same inputs
// yield byte-identical transactions paying to the expected scripts.
func TestUnvaultTxDeterminism(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)

	tx1 := vault.unvaultTx(t)
	tx2 := vault.unvaultTx(t)
	if !bytes.Equal(serializeTx(t, tx1.Tx()), serializeTx(t, tx2.Tx())) {
		t.Fatalf("same inputs built different unvault transactions")
	}

	msgTx := tx1.Tx()
	if len(msgTx.TxOut) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(msgTx.TxOut))
	}
	if !bytes.Equal(msgTx.TxOut[0].PkScript, vault.unvault.PkScript()) {
		t.Fatalf("first output doesn't pay to the unvault script")
	}
	if !bytes.Equal(msgTx.TxOut[1].PkScript, vault.cpfp.PkScript()) {
		t.Fatalf("second output doesn't pay to the cpfp script")
	}
	if msgTx.TxOut[0].Value != int64(tx1.UnvaultValue()) {
		t.Fatalf("unvault output value mismatch")
	}

	fee := int64(testAmount) - msgTx.TxOut[0].Value - msgTx.TxOut[1].Value
	if fee <= 0 {
		t.Fatalf("unvault transaction burns no fee?")
	}

	if tx1.UnvaultOutpoint().Hash != msgTx.TxHash() {
		t.Fatalf("unvault outpoint doesn't reference the transaction")
	}
}

// TestUnvaultTxDust asserts a deposit too small to pay for the unvault
// outputs is rejected with ErrDust.
func TestUnvaultTxDust(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)

	_, err := revaulttx.NewUnvaultTransaction(
		vault.depositOutpoint, btcutil.Amount(31_000), vault.unvault,
		vault.cpfp,
	)
	if !errors.Is(err, revaulttx.ErrDust) {
		t.Fatalf("expected ErrDust, got %v", err)
	}
}

// TestCancelTxDeterminism asserts the cancel transaction is deterministic
// and that its outpoint is known before finalization: the watchtower relies
// on it to recognize its own success on chain.
func TestCancelTxDeterminism(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)

	tx1 := vault.cancelTx(t)
	tx2 := vault.cancelTx(t)
	if !bytes.Equal(serializeTx(t, tx1.Tx()), serializeTx(t, tx2.Tx())) {
		t.Fatalf("same inputs built different cancel transactions")
	}

	if len(tx1.Tx().TxOut) != 1 {
		t.Fatalf("expected a single output")
	}
	if !bytes.Equal(tx1.Tx().TxOut[0].PkScript, vault.deposit.PkScript()) {
		t.Fatalf("cancel output doesn't pay back to the deposit script")
	}

	// The txid doesn't commit to the witness: the outpoint computed
	// before signing must match the finalized transaction's.
	outpointBefore := tx1.CancelOutpoint()

	sigHash := vault.cancelSigHash(t, tx1)
	for i, privKey := range vault.stkPrivKeys {
		sig, err := privKey.Sign(sigHash)
		if err != nil {
			t.Fatalf("unable to sign: %v", err)
		}
		err = tx1.AddCancelSig(privKey.PubKey(), sig.Serialize())
		if err != nil {
			t.Fatalf("unable to add signature %d: %v", i, err)
		}
	}
	if err := tx1.Finalize(); err != nil {
		t.Fatalf("unable to finalize: %v", err)
	}

	if outpointBefore != tx1.CancelOutpoint() {
		t.Fatalf("finalization changed the cancel outpoint")
	}
}

// TestCancelSignatures walks the signature attachment edge cases: foreign
// pubkey, garbage signature, valid signature for the wrong message.
func TestCancelSignatures(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	cancelTx := vault.cancelTx(t)
	sigHash := vault.cancelSigHash(t, cancelTx)

	// A key outside the stakeholders' multisig is rejected.
	foreignKey, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		t.Fatalf("unable to generate key: %v", err)
	}
	foreignSig, err := foreignKey.Sign(sigHash)
	if err != nil {
		t.Fatalf("unable to sign: %v", err)
	}
	err = cancelTx.AddCancelSig(foreignKey.PubKey(), foreignSig.Serialize())
	if !errors.Is(err, revaulttx.ErrUnknownPubKey) {
		t.Fatalf("expected ErrUnknownPubKey, got %v", err)
	}

	// Garbage is rejected.
	err = cancelTx.AddCancelSig(vault.stkPrivKeys[0].PubKey(),
		[]byte{0xde, 0xad})
	if !errors.Is(err, revaulttx.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// A valid signature over another message is rejected too.
	wrongHash := bytes.Repeat([]byte{0x2a}, 32)
	wrongSig, err := vault.stkPrivKeys[0].Sign(wrongHash)
	if err != nil {
		t.Fatalf("unable to sign: %v", err)
	}
	err = cancelTx.AddCancelSig(vault.stkPrivKeys[0].PubKey(),
		wrongSig.Serialize())
	if !errors.Is(err, revaulttx.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	if cancelTx.NumSigs() != 0 {
		t.Fatalf("rejected signatures were recorded")
	}
}

// TestCancelFinalize asserts finalization fails below the stakeholders'
// threshold and that the finalized witness is actually accepted by the
// script engine.
func TestCancelFinalize(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	unvaultTx := vault.unvaultTx(t)
	cancelTx := vault.cancelTx(t)
	sigHash := vault.cancelSigHash(t, cancelTx)

	// Not enough signatures.
	sig0, err := vault.stkPrivKeys[0].Sign(sigHash)
	if err != nil {
		t.Fatalf("unable to sign: %v", err)
	}
	err = cancelTx.AddCancelSig(vault.stkPrivKeys[0].PubKey(),
		sig0.Serialize())
	if err != nil {
		t.Fatalf("unable to add signature: %v", err)
	}
	if err := cancelTx.Finalize(); !errors.Is(err,
		revaulttx.ErrMissingSignatures) {

		t.Fatalf("expected ErrMissingSignatures, got %v", err)
	}

	// Complete the set and make sure the witness executes against the
	// unvault output script.
	sig1, err := vault.stkPrivKeys[1].Sign(sigHash)
	if err != nil {
		t.Fatalf("unable to sign: %v", err)
	}
	err = cancelTx.AddCancelSig(vault.stkPrivKeys[1].PubKey(),
		sig1.Serialize())
	if err != nil {
		t.Fatalf("unable to add signature: %v", err)
	}
	if err := cancelTx.Finalize(); err != nil {
		t.Fatalf("unable to finalize: %v", err)
	}

	vm, err := txscript.NewEngine(
		vault.unvault.PkScript(), cancelTx.Tx(), 0,
		txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(cancelTx.Tx()),
		int64(unvaultTx.UnvaultValue()),
	)
	if err != nil {
		t.Fatalf("unable to create script engine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("finalized cancel witness rejected: %v", err)
	}
}
