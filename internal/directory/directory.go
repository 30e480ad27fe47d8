// Package directory is the billing core's view of the external
// identity/organization directory. The core consults it only to fetch an
// organization's identity and to push the billing customer reference back
// onto the organization record; membership and role data stay out of reach.
package directory

import (
	"context"
	"errors"
	"sync"
)

// ErrOrganizationNotFound is returned when the directory has no record of
// the organization.
var ErrOrganizationNotFound = errors.New("organization not found")

// Organization is the subset of the directory's organization record the
// billing core needs.
type Organization struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	BillingCustomerID string `json:"billing_customer_id,omitempty"`
}

// Directory is the collaborator interface.
type Directory interface {
	// GetOrganization fetches an organization by internal ID.
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)
	// SetBillingCustomerID pushes the external billing customer reference
	// onto the organization record. Required after binding creation so the
	// directory's entitlement features keep working.
	SetBillingCustomerID(ctx context.Context, orgID, customerID string) error
}

// Memory is an in-memory Directory used in tests and development.
type Memory struct {
	mu   sync.RWMutex
	orgs map[string]*Organization
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{orgs: make(map[string]*Organization)}
}

// AddOrganization registers an organization.
func (m *Memory) AddOrganization(org Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := org
	m.orgs[org.ID] = &copied
}

// GetOrganization implements Directory.
func (m *Memory) GetOrganization(_ context.Context, orgID string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	copied := *org
	return &copied, nil
}

// SetBillingCustomerID implements Directory.
func (m *Memory) SetBillingCustomerID(_ context.Context, orgID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return ErrOrganizationNotFound
	}
	org.BillingCustomerID = customerID
	return nil
}
