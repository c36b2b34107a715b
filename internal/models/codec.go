package models

import (
	"bytes"
	"encoding/gob"
)

func EncodeSecret(secret *Secret) ([]byte, error) {
	return encode(secret)
}

func DecodeSecret(data []byte) (*Secret, error) {
	var secret Secret
	if err := decode(data, &secret); err != nil {
		return nil, err
	}
	return &secret, nil
}

func EncodeReceipt(receipt *Receipt) ([]byte, error) {
	return encode(receipt)
}

func DecodeReceipt(data []byte) (*Receipt, error) {
	var receipt Receipt
	if err := decode(data, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
