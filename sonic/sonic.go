// Package sonic holds the shared JSON codec configuration used for cache
// payloads, upstream metadata and http bodies.
package sonic

import (
	"io"

	"github.com/bytedance/sonic"
)

var Config = sonic.Config{
	NoQuoteTextMarshaler:    false,
	NoValidateJSONMarshaler: true,
	NoValidateJSONSkip:      true,
	// metadata documents may carry float attribute values
	UseNumber: true,
}.Froze()

// Encode writes v as JSON followed by a newline.
func Encode(w io.Writer, v any) error {
	data, err := Config.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func EncodeIndent(w io.Writer, v any) error {
	data, err := Config.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
