package config

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Server.AcceptBurst > 0 && cfg.Server.AcceptRate == 0 {
		return fmt.Errorf("server: accept_burst is set but accept_rate is 0")
	}

	if cfg.Metrics.Enabled && cfg.Server.Port == strconv.Itoa(cfg.Metrics.Port) {
		return fmt.Errorf("metrics: port %d collides with the server port", cfg.Metrics.Port)
	}

	if cfg.Handler.Type == "static" {
		root, _ := cfg.Handler.Static["root"].(string)
		if root == "" {
			return fmt.Errorf("handler.static: root is required when type is static")
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		// Report the first failure with context
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
