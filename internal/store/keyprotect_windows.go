//go:build windows

package store

import (
	"github.com/billgraziano/dpapi"
)

// protectKey wraps the key with Windows DPAPI so the key file is only usable
// by the account that created it.
func protectKey(key []byte) ([]byte, error) {
	return dpapi.EncryptBytes(key)
}

func unprotectKey(data []byte) ([]byte, error) {
	return dpapi.DecryptBytes(data)
}
