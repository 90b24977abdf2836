package common

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// Marshal encodes v as canonical JSON: map keys sorted, so equal values always
// produce equal bytes. Content hashes are computed over this form.
func Marshal(v interface{}) ([]byte, error) {
	var b bytes.Buffer

	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(&b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal decodes canonical JSON produced by Marshal.
func Unmarshal(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)

	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(v)
}
