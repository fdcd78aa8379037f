package spotify

import (
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
)

const privateKeyLength = 95

var dhGenerator = big.NewInt(2)

// 768-bit MODP group from RFC 2409, as used by Spotify's discovery protocol.
var dhPrime = new(big.Int).SetBytes([]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xc9, 0x0f, 0xda, 0xa2, 0x21, 0x68, 0xc2, 0x34,
	0xc4, 0xc6, 0x62, 0x8b, 0x80, 0xdc, 0x1c, 0xd1, 0x29, 0x02, 0x4e, 0x08, 0x8a, 0x67, 0xcc, 0x74,
	0x02, 0x0b, 0xbe, 0xa6, 0x3b, 0x13, 0x9b, 0x22, 0x51, 0x4a, 0x08, 0x79, 0x8e, 0x34, 0x04, 0xdd,
	0xef, 0x95, 0x19, 0xb3, 0xcd, 0x3a, 0x43, 0x1b, 0x30, 0x2b, 0x0a, 0x6d, 0xf2, 0x5f, 0x14, 0x37,
	0x4f, 0xe1, 0x35, 0x6d, 0x6d, 0x51, 0xc2, 0x45, 0xe4, 0x85, 0xb5, 0x76, 0x62, 0x5e, 0x7e, 0xc6,
	0xf4, 0x4c, 0x42, 0xe9, 0xa6, 0x3a, 0x36, 0x20, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
})

type KeyPair struct {
	private *big.Int
	public  *big.Int
}

func GenerateKeyPair(random io.Reader) (*KeyPair, error) {
	privateBytes := make([]byte, privateKeyLength)
	if _, err := io.ReadFull(random, privateBytes); err != nil {
		return nil, fmt.Errorf("could not read random private exponent: %w", err)
	}
	return KeyPairFromPrivate(new(big.Int).SetBytes(privateBytes)), nil
}

func KeyPairFromPrivate(private *big.Int) *KeyPair {
	return &KeyPair{
		private: new(big.Int).Set(private),
		public:  new(big.Int).Exp(dhGenerator, private, dhPrime),
	}
}

func (kp *KeyPair) PublicKey() *big.Int {
	return new(big.Int).Set(kp.public)
}

func (kp *KeyPair) PublicKeyBytes() []byte {
	return kp.public.Bytes()
}

func (kp *KeyPair) SharedSecret(remote *big.Int) (*big.Int, error) {
	if err := validatePublicKey(remote); err != nil {
		return nil, err
	}
	return new(big.Int).Exp(remote, kp.private, dhPrime), nil
}

// ParsePublicKey decodes a base64 big-endian public key as sent by a Spotify device.
func ParsePublicKey(encoded string) (*big.Int, error) {
	if encoded == "" {
		return nil, &InvalidKeyError{Reason: "empty key"}
	}
	keyBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &InvalidKeyError{Reason: "not base64: " + err.Error()}
	}
	key := new(big.Int).SetBytes(keyBytes)
	if err := validatePublicKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func validatePublicKey(key *big.Int) error {
	if key == nil {
		return &InvalidKeyError{Reason: "missing key"}
	}
	upper := new(big.Int).Sub(dhPrime, big.NewInt(1))
	if key.Cmp(big.NewInt(1)) <= 0 || key.Cmp(upper) >= 0 {
		return &InvalidKeyError{Reason: "key out of range"}
	}
	return nil
}
