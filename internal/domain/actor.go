package domain

import "github.com/google/uuid"

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
	RoleSystem   Role = "system"
)

// Actor is the already authenticated caller of a mutating operation.
type Actor struct {
	ID    uuid.UUID
	Email string
	Name  string
	Role  Role
}

// SystemActor is used for provider callbacks where no user is involved.
var SystemActor = Actor{Email: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// Owns reports whether the actor is the customer behind ownerID.
func (a Actor) Owns(ownerID uuid.UUID) bool {
	return a.ID != uuid.Nil && a.ID == ownerID
}

// CanAccess is true for admins, the system actor and the owner.
func (a Actor) CanAccess(ownerID uuid.UUID) bool {
	return a.IsAdmin() || a.IsSystem() || a.Owns(ownerID)
}

// ActorRef returns the id recorded in audit rows, nil for the system actor.
func (a Actor) ActorRef() *uuid.UUID {
	if a.ID == uuid.Nil {
		return nil
	}
	id := a.ID
	return &id
}
