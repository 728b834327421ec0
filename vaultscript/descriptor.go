package vaultscript

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcutil/hdkeychain"
)

// The watchtower only deals with three script templates, all P2WSH:
//
//	deposit:  wsh(multi(K,XPUB/*,...))
//	cpfp:     wsh(multi(K,XPUB/*,...))
//	unvault:  wsh(unvault(multi(N,STK_XPUB/*,...),multi(M,MAN_XPUB/*,...),older(CSV)))
//
// The unvault witness script has two spending paths: the stakeholders'
// multisig, satisfiable immediately (this is the path the Cancel transaction
// uses), and the managers' multisig after a relative timelock of CSV blocks.
//
// Descriptors are parsed once at startup; derivation at a vault's index is a
// pure function of the descriptor and the index.

var (
	// ErrInvalidDescriptor is returned when a descriptor string doesn't
	// match the expected grammar.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrInvalidCSV is returned when the unvault descriptor's timelock is
	// zero or doesn't fit in the 16 bits BIP-0068 reserves for a
	// block-based relative locktime.
	ErrInvalidCSV = errors.New("CSV value must be in [1;65535]")
)

// maxCSVValue is the largest block-based relative timelock expressible in an
// nSequence, per BIP-0068.
const maxCSVValue = 0xffff

// DepositDescriptor describes the multisig the vaults' deposits are paying
// to.
type DepositDescriptor struct {
	keys      []*hdkeychain.ExtendedKey
	threshold int
}

// CpfpDescriptor describes the managers' fee-bumping output attached to every
// unvault transaction.
type CpfpDescriptor struct {
	keys      []*hdkeychain.ExtendedKey
	threshold int
}

// UnvaultDescriptor describes the intermediate output an unvault transaction
// creates.
type UnvaultDescriptor struct {
	stakeholderKeys      []*hdkeychain.ExtendedKey
	managerKeys          []*hdkeychain.ExtendedKey
	managerThreshold     int
	stakeholderThreshold int
	csv                  uint32
}

// CSV returns the relative timelock, in blocks, enforced on the managers'
// spending path.
func (d *UnvaultDescriptor) CSV() uint32 {
	return d.csv
}

// DerivedDepositDescriptor is a DepositDescriptor derived at a vault's index.
// The witness script and the P2WSH output script are precomputed.
type DerivedDepositDescriptor struct {
	PubKeys       []*btcec.PublicKey
	Threshold     int
	witnessScript []byte
	pkScript      []byte
}

// WitnessScript returns the deposit witness script.
func (d *DerivedDepositDescriptor) WitnessScript() []byte {
	return d.witnessScript
}

// PkScript returns the P2WSH output script committing to the deposit witness
// script.
func (d *DerivedDepositDescriptor) PkScript() []byte {
	return d.pkScript
}

// DerivedCpfpDescriptor is a CpfpDescriptor derived at a vault's index.
type DerivedCpfpDescriptor struct {
	PubKeys       []*btcec.PublicKey
	Threshold     int
	witnessScript []byte
	pkScript      []byte
}

// WitnessScript returns the cpfp witness script.
func (d *DerivedCpfpDescriptor) WitnessScript() []byte {
	return d.witnessScript
}

// PkScript returns the P2WSH output script committing to the cpfp witness
// script.
func (d *DerivedCpfpDescriptor) PkScript() []byte {
	return d.pkScript
}

// DerivedUnvaultDescriptor is an UnvaultDescriptor derived at a vault's
// index.
type DerivedUnvaultDescriptor struct {
	StakeholderKeys      []*btcec.PublicKey
	StakeholderThreshold int
	ManagerKeys          []*btcec.PublicKey
	ManagerThreshold     int
	csv                  uint32
	witnessScript        []byte
	pkScript             []byte
}

// WitnessScript returns the unvault witness script.
func (d *DerivedUnvaultDescriptor) WitnessScript() []byte {
	return d.witnessScript
}

// PkScript returns the P2WSH output script committing to the unvault witness
// script.
func (d *DerivedUnvaultDescriptor) PkScript() []byte {
	return d.pkScript
}

// CSV returns the relative timelock, in blocks, enforced on the managers'
// spending path.
func (d *DerivedUnvaultDescriptor) CSV() uint32 {
	return d.csv
}

// ParseDepositDescriptor parses a wsh(multi(...)) deposit descriptor.
func ParseDepositDescriptor(desc string) (*DepositDescriptor, error) {
	inner, err := unwrap(desc, "wsh")
	if err != nil {
		return nil, err
	}
	threshold, keys, err := parseMulti(inner)
	if err != nil {
		return nil, err
	}

	return &DepositDescriptor{keys: keys, threshold: threshold}, nil
}

// ParseCpfpDescriptor parses a wsh(multi(...)) cpfp descriptor.
func ParseCpfpDescriptor(desc string) (*CpfpDescriptor, error) {
	inner, err := unwrap(desc, "wsh")
	if err != nil {
		return nil, err
	}
	threshold, keys, err := parseMulti(inner)
	if err != nil {
		return nil, err
	}

	return &CpfpDescriptor{keys: keys, threshold: threshold}, nil
}

// ParseUnvaultDescriptor parses a wsh(unvault(multi(...),multi(...),older(C)))
// unvault descriptor.
func ParseUnvaultDescriptor(desc string) (*UnvaultDescriptor, error) {
	inner, err := unwrap(desc, "wsh")
	if err != nil {
		return nil, err
	}
	inner, err = unwrap(inner, "unvault")
	if err != nil {
		return nil, err
	}

	args := splitTopLevel(inner)
	if len(args) != 3 {
		return nil, fmt.Errorf("%w: unvault() wants 3 arguments, got %d",
			ErrInvalidDescriptor, len(args))
	}

	stkThreshold, stkKeys, err := parseMulti(args[0])
	if err != nil {
		return nil, err
	}
	manThreshold, manKeys, err := parseMulti(args[1])
	if err != nil {
		return nil, err
	}

	olderArg, err := unwrap(args[2], "older")
	if err != nil {
		return nil, err
	}
	csv, err := strconv.ParseUint(olderArg, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: older(%s)", ErrInvalidDescriptor, olderArg)
	}
	if csv == 0 || csv > maxCSVValue {
		return nil, ErrInvalidCSV
	}

	return &UnvaultDescriptor{
		stakeholderKeys:      stkKeys,
		stakeholderThreshold: stkThreshold,
		managerKeys:          manKeys,
		managerThreshold:     manThreshold,
		csv:                  uint32(csv),
	}, nil
}

// Derive instantiates the deposit descriptor at the given derivation index.
func (d *DepositDescriptor) Derive(index uint32) (*DerivedDepositDescriptor, error) {
	pubKeys, err := deriveKeys(d.keys, index)
	if err != nil {
		return nil, err
	}
	witnessScript, err := multisigScript(d.threshold, pubKeys)
	if err != nil {
		return nil, err
	}
	pkScript, err := witnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	return &DerivedDepositDescriptor{
		PubKeys:       pubKeys,
		Threshold:     d.threshold,
		witnessScript: witnessScript,
		pkScript:      pkScript,
	}, nil
}

// Derive instantiates the cpfp descriptor at the given derivation index.
func (d *CpfpDescriptor) Derive(index uint32) (*DerivedCpfpDescriptor, error) {
	pubKeys, err := deriveKeys(d.keys, index)
	if err != nil {
		return nil, err
	}
	witnessScript, err := multisigScript(d.threshold, pubKeys)
	if err != nil {
		return nil, err
	}
	pkScript, err := witnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	return &DerivedCpfpDescriptor{
		PubKeys:       pubKeys,
		Threshold:     d.threshold,
		witnessScript: witnessScript,
		pkScript:      pkScript,
	}, nil
}

// Derive instantiates the unvault descriptor at the given derivation index.
func (d *UnvaultDescriptor) Derive(index uint32) (*DerivedUnvaultDescriptor, error) {
	stkKeys, err := deriveKeys(d.stakeholderKeys, index)
	if err != nil {
		return nil, err
	}
	manKeys, err := deriveKeys(d.managerKeys, index)
	if err != nil {
		return nil, err
	}

	witnessScript, err := unvaultScript(
		d.stakeholderThreshold, stkKeys, d.managerThreshold, manKeys,
		d.csv,
	)
	if err != nil {
		return nil, err
	}
	pkScript, err := witnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	return &DerivedUnvaultDescriptor{
		StakeholderKeys:      stkKeys,
		StakeholderThreshold: d.stakeholderThreshold,
		ManagerKeys:          manKeys,
		ManagerThreshold:     d.managerThreshold,
		csv:                  d.csv,
		witnessScript:        witnessScript,
		pkScript:             pkScript,
	}, nil
}

// deriveKeys derives the non-hardened child at index for each extended key.
func deriveKeys(keys []*hdkeychain.ExtendedKey,
	index uint32) ([]*btcec.PublicKey, error) {

	pubKeys := make([]*btcec.PublicKey, 0, len(keys))
	for _, key := range keys {
		child, err := key.Child(index)
		if err != nil {
			return nil, err
		}
		pubKey, err := child.ECPubKey()
		if err != nil {
			return nil, err
		}
		pubKeys = append(pubKeys, pubKey)
	}

	return pubKeys, nil
}

// multisigScript builds a raw threshold-of-n CHECKMULTISIG witness script.
func multisigScript(threshold int, keys []*btcec.PublicKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(threshold))
	for _, key := range keys {
		builder.AddData(key.SerializeCompressed())
	}
	builder.AddInt64(int64(len(keys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}

// unvaultScript builds the two-path unvault witness script. The first branch
// is the stakeholders' multisig, used by the Cancel transaction. The second
// branch is the managers' multisig, guarded by a relative timelock.
func unvaultScript(stkThreshold int, stkKeys []*btcec.PublicKey,
	manThreshold int, manKeys []*btcec.PublicKey,
	csv uint32) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddInt64(int64(stkThreshold))
	for _, key := range stkKeys {
		builder.AddData(key.SerializeCompressed())
	}
	builder.AddInt64(int64(len(stkKeys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(csv))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(manThreshold))
	for _, key := range manKeys {
		builder.AddData(key.SerializeCompressed())
	}
	builder.AddInt64(int64(len(manKeys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// witnessScriptHash builds the v0 P2WSH output script for the passed witness
// script.
func witnessScriptHash(witnessScript []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	scriptHash := sha256.Sum256(witnessScript)
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])

	return builder.Script()
}

// unwrap strips a `name(...)` wrapper and returns its inner content.
func unwrap(s, name string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, name+"(") || !strings.HasSuffix(s, ")") {
		return "", fmt.Errorf("%w: expected %s(...), got '%s'",
			ErrInvalidDescriptor, name, s)
	}

	return s[len(name)+1 : len(s)-1], nil
}

// splitTopLevel splits on the commas that aren't nested inside parentheses.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}

	return append(parts, s[start:])
}

// parseMulti parses a multi(K,XPUB/*,...) fragment.
func parseMulti(s string) (int, []*hdkeychain.ExtendedKey, error) {
	inner, err := unwrap(s, "multi")
	if err != nil {
		return 0, nil, err
	}

	args := splitTopLevel(inner)
	if len(args) < 2 {
		return 0, nil, fmt.Errorf("%w: multi() wants a threshold and "+
			"at least one key", ErrInvalidDescriptor)
	}

	threshold, err := strconv.Atoi(strings.TrimSpace(args[0]))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: multi() threshold '%s'",
			ErrInvalidDescriptor, args[0])
	}
	if threshold < 1 || threshold > len(args)-1 {
		return 0, nil, fmt.Errorf("%w: multi() threshold %d out of "+
			"range for %d keys", ErrInvalidDescriptor, threshold,
			len(args)-1)
	}

	keys := make([]*hdkeychain.ExtendedKey, 0, len(args)-1)
	for _, arg := range args[1:] {
		keyStr := strings.TrimSuffix(strings.TrimSpace(arg), "/*")
		key, err := hdkeychain.NewKeyFromString(keyStr)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: '%s': %v",
				ErrInvalidDescriptor, keyStr, err)
		}
		if key.IsPrivate() {
			return 0, nil, fmt.Errorf("%w: '%s' is a private key",
				ErrInvalidDescriptor, keyStr)
		}
		keys = append(keys, key)
	}

	return threshold, keys, nil
}
