package mfa

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getaccounts/accounts/domain"
)

// OTPType is the authenticator type of the TOTP factor.
const OTPType = "otp"

// otpSecrets is the stored secret blob of an otp authenticator.
type otpSecrets struct {
	Secret string `json:"secret"`
}

// OTP is a time-based one-time-password factor (RFC 6238): SHA-1 HMAC,
// 30 second steps, 6 digits, one step of clock drift tolerated either
// way. It has no challenge step; enrollment hands the secret to the
// client once and every verification is client-initiated.
type OTP struct {
	now func() time.Time
}

var _ AuthenticatorService = (*OTP)(nil)

func NewOTP() *OTP {
	return &OTP{now: time.Now}
}

func (o *OTP) Type() string { return OTPType }

// Associate generates a fresh secret. The plaintext secret appears only
// in the enrollment response; afterwards it lives in the authenticator's
// secret blob.
func (o *OTP) Associate(ctx context.Context, userID string, params domain.Params) (*Enrollment, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("otp: associate: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)

	stored, err := json.Marshal(&otpSecrets{Secret: secret})
	if err != nil {
		return nil, fmt.Errorf("otp: associate: %w", err)
	}
	return &Enrollment{
		Secrets:  domain.JSON(stored),
		Response: map[string]any{"secret": secret},
	}, nil
}

// Authenticate checks the submitted code against the current, previous,
// and next 30s window.
func (o *OTP) Authenticate(ctx context.Context, authenticator *domain.Authenticator, params domain.Params) (bool, error) {
	var req struct {
		Code string `json:"code"`
	}
	if err := domain.DecodeParams(params, &req); err != nil {
		return false, fmt.Errorf("otp: authenticate: %w", err)
	}
	if req.Code == "" {
		return false, errors.New("otp: authenticate: a code is required")
	}

	var secrets otpSecrets
	if err := json.Unmarshal(authenticator.Secrets, &secrets); err != nil {
		return false, fmt.Errorf("otp: authenticate: %w", err)
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secrets.Secret)
	if err != nil {
		return false, fmt.Errorf("otp: authenticate: %w", err)
	}

	counter := o.now().Unix() / 30
	for i := int64(-1); i <= 1; i++ {
		if hotp(key, uint64(counter+i)) == req.Code {
			return true, nil
		}
	}
	return false, nil
}

func hotp(key []byte, counter uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0xf
	code := int64(sum[offset]&0x7f)<<24 |
		int64(sum[offset+1])<<16 |
		int64(sum[offset+2])<<8 |
		int64(sum[offset+3])

	return fmt.Sprintf("%06d", code%1000000)
}
