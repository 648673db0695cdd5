package registry

import "fmt"

// ConfigError reports a malformed or missing provider configuration field.
// It disables the named provider only.
type ConfigError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s: invalid config field %s: %s", e.Provider, e.Field, e.Reason)
}

// CredentialError reports a credential that could not be resolved.
// It disables the named provider only. The credential value never appears
// in the message.
type CredentialError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("provider %s: credential field %s: %s", e.Provider, e.Field, e.Reason)
}
