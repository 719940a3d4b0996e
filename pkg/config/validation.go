package config

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// Validate checks cfg against its struct-tag validation rules.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}
