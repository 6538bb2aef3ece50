package wireguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// keyFile is the private key's name under the agent state directory.
const keyFile = "wg_private.key"

// LoadOrCreateKey returns the node's WireGuard private key, generating and
// persisting one under dir on first run. The key never leaves the host; only
// the derived public key is sent to the controller.
func LoadOrCreateKey(dir string) (wgtypes.Key, error) {
	path := filepath.Join(dir, keyFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		key, perr := wgtypes.ParseKey(strings.TrimSpace(string(raw)))
		if perr != nil {
			return wgtypes.Key{}, fmt.Errorf("wireguard: key file %s is corrupt: %w", path, perr)
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return wgtypes.Key{}, fmt.Errorf("wireguard: read key file: %w", err)
	}

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("wireguard: generate key: %w", err)
	}
	if err := writeKey(path, key); err != nil {
		return wgtypes.Key{}, err
	}
	return key, nil
}

// SaveKey replaces the persisted private key. Rotation calls this only
// after the controller accepted the new public half, so a failed rotation
// leaves the working key in place.
func SaveKey(dir string, key wgtypes.Key) error {
	return writeKey(filepath.Join(dir, keyFile), key)
}

func writeKey(path string, key wgtypes.Key) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("wireguard: create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(key.String()+"\n"), 0o600); err != nil {
		return fmt.Errorf("wireguard: write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("wireguard: install key file: %w", err)
	}
	return nil
}
