package config

import (
	"errors"

	"github.com/kelseyhightower/envconfig"
)

// TokenConfig holds what the token command needs to sign.
type TokenConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET"`
}

// LoadTokenConfig reads JWT_SECRET.
func LoadTokenConfig() (TokenConfig, error) {
	var c TokenConfig
	if err := envconfig.Process("", &c); err != nil {
		return TokenConfig{}, err
	}
	if c.JWTSecret == "" {
		return TokenConfig{}, errors.New("JWT_SECRET is required")
	}
	return c, nil
}
