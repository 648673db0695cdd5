package common

//go:generate go run github.com/dmarkham/enumer -json -type AuthStrategy -trimprefix Auth -transform lower

// AuthStrategy is the authentication scheme of a provider
type AuthStrategy int

const (
	// AuthNone: the provider requires no credential
	AuthNone AuthStrategy = iota
	// AuthAPIKey: a single api key, sent as a bearer token
	AuthAPIKey
	// AuthBasic: username/password basic auth
	AuthBasic
	// AuthOAuth: OAuth2 client-credentials pair
	AuthOAuth
	// AuthAWS: AWS-style access/secret keys with optional session token
	AuthAWS
	// AuthCustom: provider-specific ident/pass pair
	AuthCustom
)

// CredentialFields returns the credential fields the strategy requires and,
// as a second value, the optional ones.
func (s AuthStrategy) CredentialFields() (required, optional []string) {
	switch s {
	case AuthAPIKey:
		return []string{"apikey"}, nil
	case AuthBasic:
		return []string{"username", "password"}, nil
	case AuthOAuth:
		return []string{"client_id", "client_secret"}, nil
	case AuthAWS:
		return []string{"aws_access_key_id", "aws_secret_access_key"}, []string{"aws_session_token", "aws_region"}
	case AuthCustom:
		return []string{"ident", "pass"}, nil
	}
	return nil, nil
}
