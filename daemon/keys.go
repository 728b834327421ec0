package daemon

import (
	"crypto/rand"
	"fmt"
	"io/ioutil"
	"os"

	"golang.org/x/crypto/curve25519"
)

// noiseKeyFilename is the name of the file holding our static Noise secret
// key under the data directory. Our network identity towards the other
// participants' daemons is derived from it.
const noiseKeyFilename = "noise_secret"

// readOrCreateNoiseKey returns the static Noise secret, generating and
// persisting a fresh one on first run. The file is created with mode 0600,
// it holds the raw 32 key bytes.
func readOrCreateNoiseKey(path string) ([32]byte, error) {
	var key [32]byte

	keyBytes, err := ioutil.ReadFile(path)
	if err == nil {
		if len(keyBytes) != 32 {
			return key, fmt.Errorf("noise key file '%s' is %d "+
				"bytes, want 32", path, len(keyBytes))
		}
		copy(key[:], keyBytes)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return key, err
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	if err := ioutil.WriteFile(path, key[:], 0600); err != nil {
		return key, err
	}

	return key, nil
}

// noisePubKey derives the public counterpart of a static Noise secret.
func noisePubKey(secret [32]byte) ([]byte, error) {
	return curve25519.X25519(secret[:], curve25519.Basepoint)
}
