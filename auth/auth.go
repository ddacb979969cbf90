// Package auth provides the pluggable token-provider adapter (component
// B) that link establishment uses to authorize a connection. Token
// acquisition internals are out of core (spec §1); this package defines
// the interface pumps and receivers/senders depend on, plus one
// concrete adapter over azcore.TokenCredential, grounded on the
// credential-chain pattern in this pack's Azure scaler code
// (azure_azidentity_chain.go, azure_aad_workload_identity.go).
package auth

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// Token is a signed credential suitable for AMQP claims-based security
// negotiation, plus its expiry so the caller can schedule a refresh.
type Token struct {
	Value     string
	ExpiresOn time.Time
}

// Provider issues tokens for a given audience/scope on demand. Link
// establishment (out of core) calls Provider.GetToken once per
// connection and again whenever the previous token is close to expiry.
type Provider interface {
	GetToken(ctx context.Context, scopes ...string) (Token, error)
}

// AzureIdentityProvider adapts an azcore.TokenCredential (e.g. one
// produced by azidentity.NewClientSecretCredential or
// azidentity.NewChainedTokenCredential) to the Provider interface.
type AzureIdentityProvider struct {
	credential azcore.TokenCredential
}

// NewAzureIdentityProvider wraps cred as a Provider.
func NewAzureIdentityProvider(cred azcore.TokenCredential) *AzureIdentityProvider {
	return &AzureIdentityProvider{credential: cred}
}

// GetToken implements Provider.
func (p *AzureIdentityProvider) GetToken(ctx context.Context, scopes ...string) (Token, error) {
	tk, err := p.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: scopes})
	if err != nil {
		return Token{}, err
	}
	return Token{Value: tk.Token, ExpiresOn: tk.ExpiresOn}, nil
}

// ServiceBusResourceScope is the default scope requested for the
// message broker namespace, mirroring the well-known
// "https://servicebus.azure.net/.default" resource URI used throughout
// this pack's Azure scaler code.
const ServiceBusResourceScope = "https://servicebus.azure.net/.default"

// StaticProvider returns a fixed token, useful for tests and for the
// shared-access-signature path where a token string is computed once
// up front rather than refreshed via azidentity.
type StaticProvider struct {
	Token Token
}

// GetToken implements Provider by returning the fixed token regardless
// of scopes.
func (p StaticProvider) GetToken(ctx context.Context, scopes ...string) (Token, error) {
	return p.Token, nil
}
