package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/sharefs/pkg/driver/smb"
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
	minDialect, err := smb.ParseDialect(cfg.Client.SMBMinVersion)
	if err != nil {
		return fmt.Errorf("client.smb_min_version: %w", err)
	}
	maxDialect, err := smb.ParseDialect(cfg.Client.SMBMaxVersion)
	if err != nil {
		return fmt.Errorf("client.smb_max_version: %w", err)
	}
	if minDialect > maxDialect {
		return fmt.Errorf("client: smb_min_version %s is above smb_max_version %s",
			cfg.Client.SMBMinVersion, cfg.Client.SMBMaxVersion)
	}

	// Connection names are used on the command line and must be unique
	names := make(map[string]bool)
	for i, c := range cfg.Connections {
		if names[c.Name] {
			return fmt.Errorf("connections[%d]: duplicate connection name %q", i, c.Name)
		}
		names[c.Name] = true

		if c.Protocol == "s3" && c.Folder == "" {
			return fmt.Errorf("connections[%d]: s3 connections need a bucket in folder", i)
		}
		if c.Protocol == "smb" && c.Folder == "" {
			return fmt.Errorf("connections[%d]: smb connections need a share in folder", i)
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
