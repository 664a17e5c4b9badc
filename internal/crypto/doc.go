// Package crypto provides AES-256-GCM encryption for pagekv storage.
//
// This package implements transparent encryption at rest with:
//   - AES-256-GCM authenticated encryption
//   - Per-record unique nonce (12 bytes)
//   - Key rotation support
//   - Minimal performance overhead (~5-10%)
//
// Encrypted Record Format (CryptoWriter.WriteRecord; DataLength counts the
// nonce, encrypted data and tag that follow it):
//
//	+------------+--------+----------------+----------+
//	| DataLength | Nonce  | Encrypted Data | Auth Tag |
//	| 4 B        | 12 B   | Variable       | 16 B     |
//	+------------+--------+----------------+----------+
//
// Usage:
//
//	// Generate a new key
//	key, err := crypto.GenerateKey()
//
//	// Create encryption key
//	encKey, err := crypto.NewEncryptionKey(key)
//
//	// Encrypt data
//	ciphertext, err := encKey.Encrypt(plaintext)
//
//	// Decrypt data
//	plaintext, err := encKey.Decrypt(ciphertext)
package crypto
