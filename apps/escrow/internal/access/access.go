package access

import (
	"fmt"
	"sync"

	"escrow/apps/escrow/internal/errs"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Role names a capability checked at the entry of an operation.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleArbiter     Role = "arbiter"
	RoleOracle      Role = "oracle"
	RoleSlasher     Role = "slasher"
	RoleRateUpdater Role = "rate_updater"
)

// Controller is the capability table plus the global circuit breaker.
type Controller struct {
	mu     sync.RWMutex
	roles  map[Role]map[common.Address]bool
	paused bool
	logger *zap.Logger
}

// NewController creates a controller with admin as the sole administrator.
func NewController(admin common.Address, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		roles:  make(map[Role]map[common.Address]bool),
		logger: logger,
	}
	c.roles[RoleAdmin] = map[common.Address]bool{admin: true}
	return c
}

// HasRole reports whether addr holds role.
func (c *Controller) HasRole(role Role, addr common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roles[role][addr]
}

// Require fails with ErrUnauthorized unless caller holds one of roles.
func (c *Controller) Require(caller common.Address, roles ...Role) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, role := range roles {
		if c.roles[role][caller] {
			return nil
		}
	}
	return fmt.Errorf("%w: %s lacks role %v", errs.ErrUnauthorized, caller.Hex(), roles)
}

// Grant gives role to addr. Only admins may grant.
func (c *Controller) Grant(caller common.Address, role Role, addr common.Address) error {
	if err := c.Require(caller, RoleAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roles[role] == nil {
		c.roles[role] = make(map[common.Address]bool)
	}
	c.roles[role][addr] = true

	c.logger.Info("Granted role",
		zap.String("role", string(role)),
		zap.String("address", addr.Hex()),
		zap.String("granted_by", caller.Hex()))
	return nil
}

// Revoke removes role from addr. An admin cannot revoke its own admin role,
// so the table always keeps at least one administrator.
func (c *Controller) Revoke(caller common.Address, role Role, addr common.Address) error {
	if err := c.Require(caller, RoleAdmin); err != nil {
		return err
	}
	if role == RoleAdmin && addr == caller {
		return fmt.Errorf("%w: admin cannot revoke itself", errs.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.roles[role], addr)

	c.logger.Info("Revoked role",
		zap.String("role", string(role)),
		zap.String("address", addr.Hex()),
		zap.String("revoked_by", caller.Hex()))
	return nil
}

// Pause blocks every non-administrative mutating call until Unpause.
func (c *Controller) Pause(caller common.Address) error {
	return c.setPaused(caller, true)
}

// Unpause lifts the circuit breaker.
func (c *Controller) Unpause(caller common.Address) error {
	return c.setPaused(caller, false)
}

func (c *Controller) setPaused(caller common.Address, paused bool) error {
	if err := c.Require(caller, RoleAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()

	c.logger.Warn("Circuit breaker changed", zap.Bool("paused", paused), zap.String("by", caller.Hex()))
	return nil
}

// Paused reports the circuit breaker state.
func (c *Controller) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// RequireNotPaused fails with ErrPaused while the circuit breaker is engaged.
func (c *Controller) RequireNotPaused() error {
	if c.Paused() {
		return errs.ErrPaused
	}
	return nil
}
