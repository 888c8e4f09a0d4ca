package utils

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// HashIP returns a keyed BLAKE2b-256 digest of ip, hex encoded. An empty ip
// hashes to "". The raw address is never stored anywhere.
func HashIP(ip string, salt []byte) (string, error) {
	if ip == "" {
		return "", nil
	}
	h, err := blake2b.New256(salt)
	if err != nil {
		return "", err
	}
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil)), nil
}
