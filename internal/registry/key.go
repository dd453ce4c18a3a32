package registry

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// keyMode encodes with Core Deterministic Encoding (RFC 8949 §4.2) so equal
// specs always produce identical bytes, and therefore identical keys.
var keyMode cbor.EncMode

func init() {
	var err error
	keyMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("registry: CBOR encoder initialization failed: " + err.Error())
	}
}

// Key returns the registry key for spec. Specs that differ only in params
// a type ignores never reach here; DecodeListSpec rejects them.
func Key(spec types.ListSpec) (string, error) {
	data, err := keyMode.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encoding subscription key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// MustKey is Key for specs known to be encodable.
func MustKey(spec types.ListSpec) string {
	key, err := Key(spec)
	if err != nil {
		panic(err)
	}
	return key
}
