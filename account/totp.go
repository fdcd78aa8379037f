package account

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"strconv"
	"strings"
	"time"
)

// TotpVersion identifies the secret below to the token endpoint.
const TotpVersion = 5

const totpPeriod = 30

var obfuscatedTotpSecret = [...]byte{12, 56, 76, 33, 88, 44, 88, 33, 78, 78, 11, 66, 22, 22, 55, 69, 54}

// TOTP produces the one-time codes the web player sends alongside its token requests.
type TOTP struct {
	secret string
}

func NewTOTP() (*TOTP, error) {
	secret, err := deriveTotpSecret(obfuscatedTotpSecret[:])
	if err != nil {
		return nil, err
	}
	return &TOTP{secret: secret}, nil
}

// deriveTotpSecret unmasks each byte, joins the results as decimal text and base32 encodes that
// text without padding.
func deriveTotpSecret(obfuscated []byte) (string, error) {
	var joined strings.Builder
	for i, b := range obfuscated {
		joined.WriteString(strconv.Itoa(int(b ^ byte(i%33+9))))
	}
	raw, err := hex.DecodeString(hex.EncodeToString([]byte(joined.String())))
	if err != nil {
		return "", fmt.Errorf("could not decode totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

func (t *TOTP) Secret() string {
	return t.secret
}

func (t *TOTP) Code(at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(t.secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("could not generate totp code: %w", err)
	}
	return code, nil
}

func CurrentCode(at time.Time) (string, error) {
	generator, err := NewTOTP()
	if err != nil {
		return "", err
	}
	return generator.Code(at)
}
