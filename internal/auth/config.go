package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"time"
)

const (
	AccessTokenTTL  = 24 * time.Hour
	RefreshTokenTTL = 7 * 24 * time.Hour
)

type Config struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// SecureCookies is on in production so cookies only travel over TLS.
	SecureCookies bool
	CookieDomain  string
}

// ConfigFromEnv reads token and cookie settings. Outside production missing
// secrets are replaced with random ones, so sessions do not survive a restart.
func ConfigFromEnv() (Config, error) {
	prod := strings.EqualFold(os.Getenv("APP_ENV"), "production")
	cfg := Config{
		AccessSecret:  os.Getenv("ACCESS_TOKEN_SECRET"),
		RefreshSecret: os.Getenv("REFRESH_TOKEN_SECRET"),
		Issuer:        os.Getenv("TOKEN_ISSUER"),
		AccessTTL:     AccessTokenTTL,
		RefreshTTL:    RefreshTokenTTL,
		SecureCookies: prod,
		CookieDomain:  os.Getenv("COOKIE_DOMAIN"),
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "project-tracker"
	}
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		if prod {
			return Config{}, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET are required in production")
		}
		cfg.AccessSecret = randomSecret()
		cfg.RefreshSecret = randomSecret()
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return Config{}, errors.New("access and refresh token secrets must differ")
	}
	return cfg, nil
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
