package spotify

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"golang.org/x/crypto/pbkdf2"
	"io"
)

const (
	AuthTypeUserPass          = 0
	AuthTypeStoredCredentials = 1
	AuthTypeSpotifyToken      = 3

	blobTagUsername = 0x49 // 'I'
	blobTagAuthType = 0x50 // 'P'
	blobTagAuthData = 0x51 // 'Q'

	shuffleOffset = 0x11
	keyRounds     = 0x100
)

// blobIV is fixed by the protocol; the receiver reads it back from the blob prefix.
var blobIV = make([]byte, aes.BlockSize)

type Credentials struct {
	Username []byte
	Token    []byte
	AuthType int
}

func NewCredentials(username, token string, authType int) Credentials {
	return Credentials{
		Username: []byte(username),
		Token:    []byte(token),
		AuthType: authType,
	}
}

type BlobBuilder struct {
	keys *KeyPair
}

// NewBlobBuilder creates a builder with a fresh ephemeral key pair. Every blob build should use
// its own builder.
func NewBlobBuilder(random io.Reader) (*BlobBuilder, error) {
	if random == nil {
		random = rand.Reader
	}
	keys, err := GenerateKeyPair(random)
	if err != nil {
		return nil, err
	}
	return &BlobBuilder{keys: keys}, nil
}

func NewBlobBuilderWithKeys(keys *KeyPair) *BlobBuilder {
	return &BlobBuilder{keys: keys}
}

// PublicKey is this side of the key exchange, base64 encoded for the addUser message.
func (b *BlobBuilder) PublicKey() string {
	return base64.StdEncoding.EncodeToString(b.keys.PublicKeyBytes())
}

func (b *BlobBuilder) Build(creds Credentials, deviceId string, remotePublicKey string) (string, error) {
	remote, err := ParsePublicKey(remotePublicKey)
	if err != nil {
		return "", err
	}
	sharedSecret, err := b.keys.SharedSecret(remote)
	if err != nil {
		return "", err
	}
	inner, err := encryptInnerBlob(encodeCredentials(creds), blobKey(creds.Username, deviceId))
	if err != nil {
		return "", err
	}
	return encryptOuterBlob([]byte(base64.StdEncoding.EncodeToString(inner)), sharedSecret.Bytes())
}

func appendVarint(buffer []byte, value int) []byte {
	if value < 0x80 {
		return append(buffer, byte(value))
	}
	return append(buffer, byte(0x80|(value&0x7f)), byte(value>>7))
}

func appendLengthPrefixed(buffer []byte, data []byte) []byte {
	return append(appendVarint(buffer, len(data)), data...)
}

// encodeCredentials produces the padded clear text of the inner blob.
func encodeCredentials(creds Credentials) []byte {
	buffer := []byte{blobTagUsername}
	buffer = appendLengthPrefixed(buffer, creds.Username)
	buffer = append(buffer, blobTagAuthType)
	buffer = appendVarint(buffer, creds.AuthType)
	buffer = append(buffer, blobTagAuthData)
	buffer = appendLengthPrefixed(buffer, creds.Token)
	return padBlob(buffer)
}

func padBlob(buffer []byte) []byte {
	n := aes.BlockSize - len(buffer)%aes.BlockSize - 1
	buffer = append(buffer, make([]byte, n)...)
	return append(buffer, byte(n+1))
}

// shuffle whitens the buffer in place, front to back: each byte from index 0x10 onwards is mixed with
// the byte 0x11 positions before it, already mixed. Receivers undo it from the end backwards.
func shuffle(buffer []byte) {
	l := len(buffer)
	for i := l - shuffleOffset; i >= 0; i-- {
		buffer[l-i-1] ^= buffer[l-i-shuffleOffset]
	}
}

func blobKey(username []byte, deviceId string) []byte {
	secret := sha1.Sum([]byte(deviceId))
	derived := pbkdf2.Key(secret[:], username, keyRounds, sha1.Size, sha1.New)
	hash := sha1.Sum(derived)
	return binary.BigEndian.AppendUint32(hash[:], sha1.Size)
}

func encryptInnerBlob(clearText []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("could not construct inner blob cipher: %w", err)
	}
	if len(clearText)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("inner blob length %d is not a multiple of the block size", len(clearText))
	}
	shuffled := bytes.Clone(clearText)
	shuffle(shuffled)
	cipherText := make([]byte, len(shuffled))
	for offset := 0; offset < len(shuffled); offset += block.BlockSize() {
		block.Encrypt(cipherText[offset:], shuffled[offset:])
	}
	return cipherText, nil
}

func blobSessionKeys(sharedSecret []byte) (checksumKey, encryptionKey []byte) {
	hashed := sha1.Sum(sharedSecret)
	mac := hmac.New(sha1.New, hashed[:16])
	mac.Write([]byte("checksum"))
	checksumKey = mac.Sum(nil)
	mac.Reset()
	mac.Write([]byte("encryption"))
	encryptionKey = mac.Sum(nil)
	return checksumKey, encryptionKey
}

func encryptOuterBlob(inner []byte, sharedSecret []byte) (string, error) {
	checksumKey, encryptionKey := blobSessionKeys(sharedSecret)
	block, err := aes.NewCipher(encryptionKey[:16])
	if err != nil {
		return "", fmt.Errorf("could not construct outer blob cipher: %w", err)
	}
	cipherText := make([]byte, len(inner))
	cipher.NewCTR(block, blobIV).XORKeyStream(cipherText, inner)

	mac := hmac.New(sha1.New, checksumKey)
	mac.Write(cipherText)

	out := make([]byte, 0, len(blobIV)+len(cipherText)+sha1.Size)
	out = append(out, blobIV...)
	out = append(out, cipherText...)
	out = mac.Sum(out)
	return base64.StdEncoding.EncodeToString(out), nil
}
