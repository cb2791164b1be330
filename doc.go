// Package blockcrypt provides transparent, block-wise encryption of file
// contents on top of a storage layer it does not control.
//
// # Overview
//
// An FS wraps any Storage (every absfs.FileSystem qualifies) and opens files
// as Streams. Content is encrypted and decrypted in fixed-size physical
// blocks while callers keep random access: Seek, Tell and Stat work on
// plaintext offsets and sizes.
//
// # File Layout
//
// An encrypted file starts with a header block followed by data blocks:
//
//	┌──────────────────────────────────────────────────────┐
//	│ HBEGIN:oc_encryption_module=AES256GCM:...:HEND------ │ <- one physical block
//	├──────────────────────────────────────────────────────┤
//	│ [len][ciphertext][-----]                             │ <- data block 0
//	│ [len][ciphertext][-----]                             │ <- data block 1
//	│ [len][ciphertext]                                    │ <- final block, unpadded
//	└──────────────────────────────────────────────────────┘
//
// Every physical write is exactly one block except the final one. Files
// without a header are plaintext and are passed through unchanged.
//
// # Encryption Modules
//
// Encryption is delegated to Modules held in a Registry. The header names
// the module of each file; new files use the registry's default module.
// A file whose module is not registered cannot be opened.
//
// Two modules ship with the package: AES-256-GCM and ChaCha20-Poly1305.
// Both give every file a random key, wrap it with a master key from a
// KeyProvider and keep the wrapped key in a KeyStore.
//
// # Basic Usage
//
//	store, _ := blockcrypt.OpenBadgerStore("/var/lib/blockcrypt", false, nil)
//	provider := blockcrypt.NewPasswordKeyProvider([]byte("secret"), blockcrypt.Argon2idParams{})
//	module, _ := blockcrypt.NewAEADModule(blockcrypt.CipherAES256GCM, provider, store)
//
//	registry := blockcrypt.NewRegistry(nil)
//	registry.Register(module)
//
//	fs, _ := blockcrypt.New(blockcrypt.NewDirStorage("/data"), registry, store, nil)
//	fs.WriteFile("/secret.txt", []byte("encrypted at rest"))
//
// # Security Considerations
//
// Protected Against:
//   - Unauthorized access to file contents at rest
//   - Tampering with individual blocks (authenticated encryption)
//
// Not Protected Against:
//   - Reordering or truncating whole blocks of a file
//   - Metadata leakage (file names, approximate sizes)
//   - Memory dumps while files are open
package blockcrypt
