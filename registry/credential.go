package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/airbusgeo/geofed/common"
)

// Credential is the opaque secret bundle of exactly one provider.
// Fields are unexported and the stringers are redacted so that a credential
// can never leak through logs or error messages.
type Credential struct {
	strategy common.AuthStrategy
	fields   map[string]string
}

// Strategy returns the authentication strategy the credential satisfies
func (c *Credential) Strategy() common.AuthStrategy {
	return c.strategy
}

// Field returns the value of a credential field ("" if absent)
func (c *Credential) Field(name string) string {
	return c.fields[name]
}

// FieldNames returns the sorted names of the resolved fields (values are not exposed)
func (c *Credential) FieldNames() []string {
	names := make([]string, 0, len(c.fields))
	for name := range c.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Credential) String() string {
	return fmt.Sprintf("credential(%s:%s)", c.strategy, strings.Join(c.FieldNames(), ","))
}

func (c *Credential) GoString() string {
	return c.String()
}

// EnvFunc looks a secret reference up (defaults to os.LookupEnv)
type EnvFunc func(name string) (string, bool)

// resolveCredential builds the Credential of a provider from its raw configuration
// values, expanding ${VAR} references through env. A missing or empty required
// field returns a CredentialError.
func resolveCredential(provider string, strategy common.AuthStrategy, raw map[string]string, env EnvFunc) (*Credential, error) {
	if strategy == common.AuthNone {
		return nil, nil
	}
	if env == nil {
		env = os.LookupEnv
	}

	fields := map[string]string{}
	for name, value := range raw {
		expanded, missing := expandRefs(value, env)
		if missing != "" {
			return nil, &CredentialError{Provider: provider, Field: name, Reason: fmt.Sprintf("environment variable %s is not set", missing)}
		}
		fields[name] = expanded
	}

	required, _ := strategy.CredentialFields()
	for _, name := range required {
		if strings.TrimSpace(fields[name]) == "" {
			reason := "missing"
			if _, ok := fields[name]; ok {
				reason = "empty"
			}
			return nil, &CredentialError{Provider: provider, Field: name, Reason: reason}
		}
	}

	return &Credential{strategy: strategy, fields: fields}, nil
}

// expandRefs expands ${VAR} references and returns the name of the first
// unresolved variable, if any
func expandRefs(s string, env EnvFunc) (string, string) {
	missing := ""
	expanded := os.Expand(s, func(name string) string {
		v, ok := env(name)
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	return expanded, missing
}
