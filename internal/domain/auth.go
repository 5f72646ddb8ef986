package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Скоупы оператора для мутирующих ручек API
const (
	ScopeDeploy   = "fleet.deploy"
	ScopeRecover  = "fleet.recover"
	ScopePriority = "fleet.priority"
	ScopeAdmin    = "admin"
)

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true или "fleet.deploy": true
	jwt.RegisteredClaims
}

// Allows: admin покрывает любой скоуп.
func (c *CustomClaims) Allows(scope string) bool {
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}
