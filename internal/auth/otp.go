package auth

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/ovaphlow/pitchfork/service-tracker/internal/account/entity"
)

const (
	EmailVerificationTTL = 2 * time.Minute
	PasswordResetTTL     = 3 * time.Minute

	otpMin = 100000
	otpMax = 999999
)

// CodeGenerator produces 6-digit one-time codes.
type CodeGenerator interface {
	Generate() (int, error)
}

// RandomCode draws uniformly from [100000, 999999].
type RandomCode struct{}

func (RandomCode) Generate() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return 0, err
	}
	return otpMin + int(n.Int64()), nil
}

func otpTTL(t entity.OTPType) time.Duration {
	if t == entity.OTPPasswordReset {
		return PasswordResetTTL
	}
	return EmailVerificationTTL
}

func newOTP(gen CodeGenerator, t entity.OTPType, now time.Time) (entity.OTP, error) {
	code, err := gen.Generate()
	if err != nil {
		return entity.OTP{}, err
	}
	return entity.OTP{Code: code, Type: t, ExpireAt: now.Add(otpTTL(t))}, nil
}
