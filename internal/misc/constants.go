package misc

const (
	// KeySize is the length of master keys and per-record sub-keys.
	KeySize = 32

	// NonceSize is the IV length used by every supported AEAD.
	NonceSize = 12

	// TagSize is the authentication tag length of every supported AEAD.
	TagSize = 16

	// SaltSize is the length of KDF salts and per-record HKDF salts.
	SaltSize = 32

	// PBKDF2Iterations is the default PBKDF2-HMAC-SHA256 work factor.
	PBKDF2Iterations = 100_000

	// MinPBKDF2Iterations is the lowest accepted PBKDF2 work factor.
	MinPBKDF2Iterations = 10_000

	// ScryptN Key derivation parameters for scrypt
	ScryptN = 1 << 15
	ScryptR = 8
	ScryptP = 1

	// ArgonTime Key derivation parameters for argon2id
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user read + write + execute
)
