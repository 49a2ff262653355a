package ports

import "github.com/layer-3/walletauth/core"

// CredentialInspector reads the claims of a bearer credential issued by the identity service
type CredentialInspector interface {
	Inspect(token string) (*core.Credential, error)
}
