package vaultdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/coreos/bbolt"
)

var (
	// vaultBucket holds every watched vault, keyed by its serialized
	// deposit outpoint.
	vaultBucket = []byte("vault-bucket")

	// vaultIDIndexBucket maps a vault's stable id to its deposit
	// outpoint, so transition operations can address vaults by id.
	vaultIDIndexBucket = []byte("vault-id-index")

	// sigBucket holds one nested bucket per vault id, mapping a
	// stakeholder's compressed pubkey to its DER cancel signature.
	sigBucket = []byte("cancel-sig-bucket")

	// instanceBucket holds the watchtower's singleton state, currently
	// only the last fully-processed chain tip.
	instanceBucket = []byte("instance-bucket")

	// tipKey is the instanceBucket key under which the tip is stored.
	tipKey = []byte("tip")

	// ErrVaultNotFound is returned when the queried vault isn't in the
	// store.
	ErrVaultNotFound = errors.New("vault not found")

	// ErrVaultAlreadyExists is returned when registering a vault whose
	// deposit outpoint is already watched.
	ErrVaultAlreadyExists = errors.New("vault already registered")

	// ErrSignatureExists is returned when storing a signature for a
	// pubkey that already has a different one. The signature set is
	// append-only.
	ErrSignatureExists = errors.New("a different signature is already " +
		"stored for this pubkey")
)

var byteOrder = binary.BigEndian

// VaultStatus describes where in its lifecycle a watched vault is. Only
// vaults in one of these states are persisted, a forgotten vault is simply
// deleted.
type VaultStatus uint8

const (
	// StatusDelegated is the initial state of a registered vault: its
	// cancel signatures are stored and its unvault hasn't been seen
	// confirmed yet.
	StatusDelegated VaultStatus = 0

	// StatusUnvaulting marks a vault whose unvault transaction was
	// noticed unconfirmed. The poller only acts on confirmed unvaults, so
	// it never sets this state itself.
	StatusUnvaulting VaultStatus = 1

	// StatusShouldCancel marks a vault a policy plugin told us to
	// revault.
	StatusShouldCancel VaultStatus = 2

	// StatusShouldNotCancel marks a vault whose unvault was seen
	// confirmed and which no plugin asked to revault so far.
	StatusShouldNotCancel VaultStatus = 3

	// StatusCanceling marks a vault whose cancel transaction was
	// broadcast but not yet seen confirmed.
	StatusCanceling VaultStatus = 4

	// StatusRevocConfirmed marks a vault whose unvault output was
	// consumed, by our cancel or otherwise. It is kept around for a
	// reorg-watch window before deletion.
	StatusRevocConfirmed VaultStatus = 5
)

// String returns a human readable version of the status.
func (s VaultStatus) String() string {
	switch s {
	case StatusDelegated:
		return "Delegated"
	case StatusUnvaulting:
		return "Unvaulting"
	case StatusShouldCancel:
		return "ShouldCancel"
	case StatusShouldNotCancel:
		return "ShouldNotCancel"
	case StatusCanceling:
		return "Canceling"
	case StatusRevocConfirmed:
		return "RevocConfirmed"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Vault is the store's record of a delegated vault.
type Vault struct {
	// ID is the vault's stable identifier, assigned at registration.
	ID uint64

	// DepositOutpoint is the on-chain coin funding the vault.
	DepositOutpoint wire.OutPoint

	// Amount is the value of the deposit.
	Amount btcutil.Amount

	// DerivationIndex is the index at which the wallet descriptors are
	// derived for this vault.
	DerivationIndex uint32

	// Status is the vault's lifecycle state.
	Status VaultStatus

	// UnvaultHeight is the height at which the unvault output was first
	// seen confirmed. Zero until then.
	UnvaultHeight int32

	// RevocHeight is the height at which the unvault output was noticed
	// consumed. Zero until then.
	RevocHeight int32
}

// CancelSignature is a stakeholder's signature for a vault's cancel
// transaction.
type CancelSignature struct {
	PubKey *btcec.PublicKey

	// Signature is the raw DER-encoded signature, without a sighash type
	// byte.
	Signature []byte
}

// DB is the watchtower's persistent store, backed by a single bolt database
// file.
type DB struct {
	*bolt.DB
	dbPath string
}

// Open opens (creating it if needed) the vault store at the given path.
func Open(dbPath string) (*DB, error) {
	bdb, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}

	db := &DB{
		DB:     bdb,
		dbPath: dbPath,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			vaultBucket, vaultIDIndexBucket, sigBucket,
			instanceBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		// Initialize the tip on first open. Height zero with a zeroed
		// hash means "never synced", the poller special-cases it.
		instance := tx.Bucket(instanceBucket)
		if instance.Get(tipKey) == nil {
			var zeroHash chainhash.Hash
			return putTip(instance, 0, &zeroHash)
		}

		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return db, nil
}

// CreateVault registers a new delegated vault. This is driven by the
// (out-of-band) registration path, not by the poller.
func (d *DB) CreateVault(depositOutpoint wire.OutPoint, amount btcutil.Amount,
	derivationIndex uint32) (*Vault, error) {

	vault := &Vault{
		DepositOutpoint: depositOutpoint,
		Amount:          amount,
		DerivationIndex: derivationIndex,
		Status:          StatusDelegated,
	}

	err := d.Update(func(tx *bolt.Tx) error {
		vaults := tx.Bucket(vaultBucket)

		var opBuf bytes.Buffer
		if err := writeOutpoint(&opBuf, &depositOutpoint); err != nil {
			return err
		}
		if vaults.Get(opBuf.Bytes()) != nil {
			return ErrVaultAlreadyExists
		}

		id, err := vaults.NextSequence()
		if err != nil {
			return err
		}
		vault.ID = id

		var idKey [8]byte
		byteOrder.PutUint64(idKey[:], id)
		index := tx.Bucket(vaultIDIndexBucket)
		if err := index.Put(idKey[:], opBuf.Bytes()); err != nil {
			return err
		}

		return putVault(vaults, vault)
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Registered vault %d with deposit %v", vault.ID,
		vault.DepositOutpoint)

	return vault, nil
}

// AddCancelSignature stores a stakeholder's cancel signature for the given
// vault. The signature set is append-only: storing the same signature twice
// is a no-op, storing a different signature for an already known pubkey is
// rejected.
func (d *DB) AddCancelSignature(vaultID uint64, pubKey *btcec.PublicKey,
	sig []byte) error {

	return d.Update(func(tx *bolt.Tx) error {
		var idKey [8]byte
		byteOrder.PutUint64(idKey[:], vaultID)

		if tx.Bucket(vaultIDIndexBucket).Get(idKey[:]) == nil {
			return ErrVaultNotFound
		}

		sigs, err := tx.Bucket(sigBucket).CreateBucketIfNotExists(
			idKey[:],
		)
		if err != nil {
			return err
		}

		keyBytes := pubKey.SerializeCompressed()
		if existing := sigs.Get(keyBytes); existing != nil {
			if !bytes.Equal(existing, sig) {
				return ErrSignatureExists
			}
			return nil
		}

		return sigs.Put(keyBytes, sig)
	})
}

// CancelSignatures returns every stored cancel signature for the given
// vault.
func (d *DB) CancelSignatures(vaultID uint64) ([]CancelSignature, error) {
	var sigs []CancelSignature

	err := d.View(func(tx *bolt.Tx) error {
		var idKey [8]byte
		byteOrder.PutUint64(idKey[:], vaultID)

		vaultSigs := tx.Bucket(sigBucket).Bucket(idKey[:])
		if vaultSigs == nil {
			return nil
		}

		return vaultSigs.ForEach(func(k, v []byte) error {
			pubKey, err := btcec.ParsePubKey(k, btcec.S256())
			if err != nil {
				return err
			}

			sig := make([]byte, len(v))
			copy(sig, v)
			sigs = append(sigs, CancelSignature{
				PubKey:    pubKey,
				Signature: sig,
			})

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return sigs, nil
}

// Vault returns the vault record watching the given deposit outpoint, or
// ErrVaultNotFound.
func (d *DB) Vault(depositOutpoint *wire.OutPoint) (*Vault, error) {
	var vault *Vault

	err := d.View(func(tx *bolt.Tx) error {
		var opBuf bytes.Buffer
		if err := writeOutpoint(&opBuf, depositOutpoint); err != nil {
			return err
		}

		vaultBytes := tx.Bucket(vaultBucket).Get(opBuf.Bytes())
		if vaultBytes == nil {
			return ErrVaultNotFound
		}

		var err error
		vault, err = deserializeVault(bytes.NewReader(vaultBytes))
		return err
	})
	if err != nil {
		return nil, err
	}

	return vault, nil
}

// DelegatedVaults returns the vaults whose unvault output is still to be
// looked for: freshly delegated ones, and ones marked not-to-cancel before
// their unvault height was known.
func (d *DB) DelegatedVaults() ([]*Vault, error) {
	return d.filterVaults(func(v *Vault) bool {
		switch v.Status {
		case StatusDelegated:
			return true
		case StatusShouldNotCancel:
			return v.UnvaultHeight == 0
		}
		return false
	})
}

// CancelingVaults returns the vaults for which a revault was ordered or
// whose unvault output consumption is being tracked.
func (d *DB) CancelingVaults() ([]*Vault, error) {
	return d.filterVaults(func(v *Vault) bool {
		switch v.Status {
		case StatusShouldCancel, StatusCanceling, StatusRevocConfirmed:
			return true
		}
		return false
	})
}

// filterVaults returns every stored vault matching the predicate.
func (d *DB) filterVaults(filter func(*Vault) bool) ([]*Vault, error) {
	var vaults []*Vault

	err := d.View(func(tx *bolt.Tx) error {
		return tx.Bucket(vaultBucket).ForEach(func(k, v []byte) error {
			vault, err := deserializeVault(bytes.NewReader(v))
			if err != nil {
				return err
			}

			if filter(vault) {
				vaults = append(vaults, vault)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return vaults, nil
}

// ShouldNotCancelVault records the first confirmation of a vault's unvault
// output, with no revault verdict yet. Idempotent for a given (vault,
// height) pair.
func (d *DB) ShouldNotCancelVault(vaultID uint64, unvaultHeight int32) error {
	return d.updateVault(vaultID, func(v *Vault) {
		v.Status = StatusShouldNotCancel
		v.UnvaultHeight = unvaultHeight
	})
}

// ShouldCancelVault records a plugin's verdict to revault the vault.
// Idempotent for a given (vault, height) pair.
func (d *DB) ShouldCancelVault(vaultID uint64, unvaultHeight int32) error {
	return d.updateVault(vaultID, func(v *Vault) {
		v.Status = StatusShouldCancel
		v.UnvaultHeight = unvaultHeight
	})
}

// RevocConfirmed records the height at which the vault's unvault output was
// noticed consumed. Idempotent for a given (vault, height) pair.
func (d *DB) RevocConfirmed(vaultID uint64, revocHeight int32) error {
	return d.updateVault(vaultID, func(v *Vault) {
		v.Status = StatusRevocConfirmed
		v.RevocHeight = revocHeight
	})
}

// updateVault applies f to the vault with the given id and persists the
// result.
func (d *DB) updateVault(vaultID uint64, f func(*Vault)) error {
	return d.Update(func(tx *bolt.Tx) error {
		var idKey [8]byte
		byteOrder.PutUint64(idKey[:], vaultID)

		opBytes := tx.Bucket(vaultIDIndexBucket).Get(idKey[:])
		if opBytes == nil {
			return ErrVaultNotFound
		}

		vaults := tx.Bucket(vaultBucket)
		vaultBytes := vaults.Get(opBytes)
		if vaultBytes == nil {
			return ErrVaultNotFound
		}

		vault, err := deserializeVault(bytes.NewReader(vaultBytes))
		if err != nil {
			return err
		}

		f(vault)

		return putVault(vaults, vault)
	})
}

// DeleteVault removes a vault, its id index entry and its signatures from
// the store. This realizes the Forgotten state.
func (d *DB) DeleteVault(vaultID uint64) error {
	return d.Update(func(tx *bolt.Tx) error {
		var idKey [8]byte
		byteOrder.PutUint64(idKey[:], vaultID)

		index := tx.Bucket(vaultIDIndexBucket)
		opBytes := index.Get(idKey[:])
		if opBytes == nil {
			return ErrVaultNotFound
		}

		if err := tx.Bucket(vaultBucket).Delete(opBytes); err != nil {
			return err
		}
		if err := index.Delete(idKey[:]); err != nil {
			return err
		}

		sigs := tx.Bucket(sigBucket)
		if sigs.Bucket(idKey[:]) != nil {
			if err := sigs.DeleteBucket(idKey[:]); err != nil {
				return err
			}
		}

		return nil
	})
}

// Tip returns the last fully-processed chain tip. A zero height means no
// block was ever processed.
func (d *DB) Tip() (int32, *chainhash.Hash, error) {
	var (
		height int32
		hash   chainhash.Hash
	)

	err := d.View(func(tx *bolt.Tx) error {
		tipBytes := tx.Bucket(instanceBucket).Get(tipKey)
		if tipBytes == nil || len(tipBytes) != 4+chainhash.HashSize {
			return fmt.Errorf("corrupted instance record")
		}

		height = int32(byteOrder.Uint32(tipBytes[:4]))
		copy(hash[:], tipBytes[4:])

		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	return height, &hash, nil
}

// UpdateTip records the new last fully-processed chain tip. It is the final
// write of a block-step: the per-vault transitions before it are idempotent,
// so a crash in between is recovered by replaying the block.
func (d *DB) UpdateTip(height int32, hash *chainhash.Hash) error {
	return d.Update(func(tx *bolt.Tx) error {
		return putTip(tx.Bucket(instanceBucket), height, hash)
	})
}

func putTip(instance *bolt.Bucket, height int32, hash *chainhash.Hash) error {
	var tipBytes [4 + chainhash.HashSize]byte
	byteOrder.PutUint32(tipBytes[:4], uint32(height))
	copy(tipBytes[4:], hash[:])

	return instance.Put(tipKey, tipBytes[:])
}

func putVault(vaults *bolt.Bucket, vault *Vault) error {
	var opBuf bytes.Buffer
	if err := writeOutpoint(&opBuf, &vault.DepositOutpoint); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := serializeVault(&buf, vault); err != nil {
		return err
	}

	return vaults.Put(opBuf.Bytes(), buf.Bytes())
}

func serializeVault(w io.Writer, vault *Vault) error {
	var scratch [8]byte

	byteOrder.PutUint64(scratch[:], vault.ID)
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}

	if err := writeOutpoint(w, &vault.DepositOutpoint); err != nil {
		return err
	}

	byteOrder.PutUint64(scratch[:], uint64(vault.Amount))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}

	byteOrder.PutUint32(scratch[:4], vault.DerivationIndex)
	if _, err := w.Write(scratch[:4]); err != nil {
		return err
	}

	if _, err := w.Write([]byte{byte(vault.Status)}); err != nil {
		return err
	}

	byteOrder.PutUint32(scratch[:4], uint32(vault.UnvaultHeight))
	if _, err := w.Write(scratch[:4]); err != nil {
		return err
	}

	byteOrder.PutUint32(scratch[:4], uint32(vault.RevocHeight))
	if _, err := w.Write(scratch[:4]); err != nil {
		return err
	}

	return nil
}

func deserializeVault(r io.Reader) (*Vault, error) {
	var (
		vault   Vault
		scratch [8]byte
	)

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	vault.ID = byteOrder.Uint64(scratch[:])

	if err := readOutpoint(r, &vault.DepositOutpoint); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	vault.Amount = btcutil.Amount(byteOrder.Uint64(scratch[:]))

	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	vault.DerivationIndex = byteOrder.Uint32(scratch[:4])

	if _, err := io.ReadFull(r, scratch[:1]); err != nil {
		return nil, err
	}
	vault.Status = VaultStatus(scratch[0])

	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	vault.UnvaultHeight = int32(byteOrder.Uint32(scratch[:4]))

	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	vault.RevocHeight = int32(byteOrder.Uint32(scratch[:4]))

	return &vault, nil
}

// writeOutpoint serializes an outpoint as its 32-byte txid followed by a
// big-endian output index.
func writeOutpoint(w io.Writer, o *wire.OutPoint) error {
	if _, err := w.Write(o.Hash[:]); err != nil {
		return err
	}

	var scratch [4]byte
	byteOrder.PutUint32(scratch[:], o.Index)
	_, err := w.Write(scratch[:])

	return err
}

// readOutpoint is the inverse of writeOutpoint.
func readOutpoint(r io.Reader, o *wire.OutPoint) error {
	if _, err := io.ReadFull(r, o.Hash[:]); err != nil {
		return err
	}

	var scratch [4]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return err
	}
	o.Index = byteOrder.Uint32(scratch[:])

	return nil
}
