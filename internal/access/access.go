// Package access answers "is this account authorized for role R".
// Role management itself lives outside the engine.
package access

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Role names a permission.
type Role string

const (
	RoleAdmin  Role = "ADMIN"  // reconfigure, fee, pause
	RoleKeeper Role = "KEEPER" // process batches
	RoleZapper Role = "ZAPPER" // delegated withdrawals
)

// Authorizer reports whether account holds role.
type Authorizer interface {
	HasRole(ctx context.Context, role Role, account common.Address) bool
}

// StaticAuthorizer is an Authorizer backed by fixed role lists.
type StaticAuthorizer struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
}

// NewStaticAuthorizer creates an authorizer from role → members.
func NewStaticAuthorizer(roles map[Role][]common.Address) *StaticAuthorizer {
	a := &StaticAuthorizer{members: make(map[Role]map[common.Address]struct{})}
	for role, accounts := range roles {
		for _, acc := range accounts {
			a.Grant(role, acc)
		}
	}
	return a
}

// Grant adds account to role.
func (a *StaticAuthorizer) Grant(role Role, account common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.members[role] == nil {
		a.members[role] = make(map[common.Address]struct{})
	}
	a.members[role][account] = struct{}{}
}

// Revoke removes account from role.
func (a *StaticAuthorizer) Revoke(role Role, account common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.members[role], account)
}

// HasRole reports whether account holds role.
func (a *StaticAuthorizer) HasRole(_ context.Context, role Role, account common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.members[role][account]
	return ok
}

var _ Authorizer = (*StaticAuthorizer)(nil)
