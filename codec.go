package tokenvault

import (
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/validator/v10"
)

const recordAADPrefix = "tokenvault.record.v1"

var (
	credentialEncMode cbor.EncMode
	credentialDecMode cbor.DecMode

	validate = validator.New()
)

func init() {
	var err error
	credentialEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("tokenvault: cbor encoder: %v", err))
	}
	credentialDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("tokenvault: cbor decoder: %v", err))
	}
}

// encodeCredential produces the canonical plaintext: the same credential
// always encodes to the same bytes.
func encodeCredential(c Credential) ([]byte, error) {
	return credentialEncMode.Marshal(c)
}

func decodeCredential(data []byte) (Credential, error) {
	var c Credential
	if err := credentialDecMode.Unmarshal(data, &c); err != nil {
		return Credential{}, err
	}
	return c, nil
}

func validateCredential(c Credential) error {
	return validate.Struct(c)
}

// recordAAD binds the ciphertext to the token it belongs to and to the key and
// suite that sealed it, so none of those fields can be swapped undetected.
func recordAAD(tokenID, keyID string, keyVersion int, alg Algorithm) []byte {
	aad := make([]byte, 0, len(recordAADPrefix)+len(tokenID)+len(keyID)+len(alg)+16)
	aad = append(aad, recordAADPrefix...)
	aad = append(aad, 0)
	aad = append(aad, alg...)
	aad = append(aad, 0)
	aad = append(aad, keyID...)
	aad = append(aad, 0)
	aad = strconv.AppendInt(aad, int64(keyVersion), 10)
	aad = append(aad, 0)
	aad = append(aad, tokenID...)
	return aad
}
