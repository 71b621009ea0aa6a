package domain

// EncryptionInfo holds the material needed to reopen a private paste. Key is
// stored wrapped by the KMS adapter, never in the clear.
type EncryptionInfo struct {
	CustomURL        string
	ViewPasswordHash string
	WrappedKey       []byte
	IV               []byte
	Auth             []byte
}
