package client

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/procurehq/be-purchase-orders/internal/freeagent"
	"github.com/procurehq/be-purchase-orders/internal/repository"
	"github.com/procurehq/be-purchase-orders/internal/service"
)

// LedgerFactory builds ledger API clients bound to one organization's
// credentials. Token refresh is shared through a single TokenManager.
type LedgerFactory struct {
	baseURL string
	tokens  *freeagent.TokenManager
	log     zerolog.Logger
}

// NewLedgerFactory creates a new LedgerFactory.
func NewLedgerFactory(baseURL string, tokens *freeagent.TokenManager, log zerolog.Logger) *LedgerFactory {
	return &LedgerFactory{baseURL: baseURL, tokens: tokens, log: log}
}

// ForOrganization returns a bill-capable client for the organization.
func (f *LedgerFactory) ForOrganization(org *repository.Organization) service.LedgerClient {
	return f.client(org)
}

// ProjectsFor returns a project-capable client for the organization.
func (f *LedgerFactory) ProjectsFor(org *repository.Organization) service.ProjectLedgerClient {
	return f.client(org)
}

func (f *LedgerFactory) client(org *repository.Organization) *freeagent.Client {
	return freeagent.NewClient(f.baseURL, orgTokenSource{tokens: f.tokens, org: org}, f.log)
}

// orgTokenSource adapts the token manager to the client's TokenSource,
// pinned to one organization.
type orgTokenSource struct {
	tokens *freeagent.TokenManager
	org    *repository.Organization
}

func (s orgTokenSource) AccessToken(ctx context.Context) (string, error) {
	return s.tokens.GetValidAccessToken(ctx, s.org)
}
