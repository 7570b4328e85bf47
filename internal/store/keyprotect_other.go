//go:build !windows

package store

// protectKey returns the bytes written to the key file. Outside Windows the
// key is stored raw and relies on 0600 file permissions.
func protectKey(key []byte) ([]byte, error) { return key, nil }

func unprotectKey(data []byte) ([]byte, error) { return data, nil }
