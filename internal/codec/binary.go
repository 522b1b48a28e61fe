package codec

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58/base58"
)

var (
	ErrMalformedEncoding = errors.New("malformed base58 encoding")
	ErrMalformedPayload  = errors.New("malformed payload")
)

// EncodeBinary renders b in the Bitcoin base58 alphabet used by wallet deep links.
func EncodeBinary(b []byte) string {
	return base58.Encode(b)
}

// DecodeBinary is the inverse of EncodeBinary. The empty string decodes to an
// empty slice.
func DecodeBinary(text string) ([]byte, error) {
	if text == "" {
		return []byte{}, nil
	}
	out, err := base58.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return out, nil
}
