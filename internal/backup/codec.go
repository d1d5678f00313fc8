package backup

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Encryption methods recorded alongside a packed payload.
const (
	MethodNone      = "none"
	MethodAgeScrypt = "age-scrypt"
)

// Compression applied to every payload.
const Compression = "zstd"

// ErrPassphraseRequired is returned when a sealed payload is opened without a passphrase.
var ErrPassphraseRequired = errors.New("backup is sealed and requires a passphrase")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("backup: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("backup: cbor decoder: %v", err))
	}
}

// Pack encodes v as deterministic CBOR, compresses it with zstd and, when a
// passphrase is given, seals it with an age scrypt recipient.
func Pack(v any, passphrase string) ([]byte, string, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create compressor: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	if passphrase == "" {
		return compressed, MethodNone, nil
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create age recipient: %w", err)
	}
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start age encryption: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return nil, "", fmt.Errorf("failed to seal snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish age encryption: %w", err)
	}
	return sealed.Bytes(), MethodAgeScrypt, nil
}

// Unpack reverses Pack into v.
func Unpack(payload []byte, method, passphrase string, v any) error {
	compressed := payload
	switch method {
	case MethodNone, "":
	case MethodAgeScrypt:
		if passphrase == "" {
			return ErrPassphraseRequired
		}
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return fmt.Errorf("failed to create age identity: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(payload), identity)
		if err != nil {
			return fmt.Errorf("failed to open sealed backup: %w", err)
		}
		compressed, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to read sealed backup: %w", err)
		}
	default:
		return fmt.Errorf("unsupported backup encryption method %q", method)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("failed to create decompressor: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress backup: %w", err)
	}

	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return nil
}
