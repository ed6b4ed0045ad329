// SPDX-License-Identifier: MIT

package event

// Typed payloads, one struct per declared event type. Handlers receive these
// decoded; optional fields use pointers so "absent" and "zero" stay distinct.

// UserCreated carries the initial profile of a new user.
type UserCreated struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// UserUpdated carries partial profile changes.
type UserUpdated struct {
	Email *string `json:"email,omitempty"`
	Name  *string `json:"name,omitempty"`
}

// UserDeactivated has no payload fields; the event itself is the fact.
type UserDeactivated struct{}

// UserPhoneAdded registers a phone number for a user.
type UserPhoneAdded struct {
	Number string `json:"number"`
	Label  string `json:"label,omitempty"`
}

// UserPhoneRemoved removes a previously added number.
type UserPhoneRemoved struct {
	Number string `json:"number"`
}

// UserInvited starts the invite flow; the invite email is sent by the
// workflow bridge, never by the synchronous handler.
type UserInvited struct {
	InviteID       string `json:"invite_id"`
	Email          string `json:"email"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// UserInviteAccepted closes an invite.
type UserInviteAccepted struct {
	InviteID string `json:"invite_id"`
}

// UserInviteCancelled withdraws an invite.
type UserInviteCancelled struct {
	InviteID string `json:"invite_id"`
}

// OrganizationCreated creates the organization read model root.
type OrganizationCreated struct {
	Name        string `json:"name"`
	OwnerUserID string `json:"owner_user_id"`
}

// OrganizationUpdated carries partial organization changes.
type OrganizationUpdated struct {
	Name *string `json:"name,omitempty"`
}

// OrganizationMemberAdded adds a user to an organization.
type OrganizationMemberAdded struct {
	UserID string `json:"user_id"`
}

// OrganizationMemberRemoved removes a member.
type OrganizationMemberRemoved struct {
	UserID string `json:"user_id"`
}

// SubdomainInitiated starts subdomain verification for an organization.
type SubdomainInitiated struct {
	Subdomain string `json:"subdomain"`
}

// SubdomainInProgress is emitted by the workflow bridge when provisioning
// has started.
type SubdomainInProgress struct {
	Subdomain string `json:"subdomain"`
	Attempt   int    `json:"attempt"`
}

// SubdomainVerified is the successful terminal state of the flow.
type SubdomainVerified struct {
	Subdomain string `json:"subdomain"`
}

// SubdomainFailed is the failed terminal state; Reason is operator-facing.
type SubdomainFailed struct {
	Subdomain string `json:"subdomain"`
	Reason    string `json:"reason"`
}

// SubdomainCancelled withdraws a pending verification as a domain event, so
// the cancellation itself is auditable and projects like any other fact.
type SubdomainCancelled struct {
	Subdomain string `json:"subdomain"`
}

// RoleCreated declares a role.
type RoleCreated struct {
	Name string `json:"name"`
}

// RoleDeleted removes a role and its grants.
type RoleDeleted struct{}

// RolePermissionGranted attaches a permission to a role.
type RolePermissionGranted struct {
	Permission   string `json:"permission"`
	ResourcePath string `json:"resource_path"`
}

// RolePermissionRevoked detaches a permission from a role.
type RolePermissionRevoked struct {
	Permission   string `json:"permission"`
	ResourcePath string `json:"resource_path"`
}

// RoleAssigned grants a role to a user, optionally scoped to an organization.
type RoleAssigned struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// RoleRevoked withdraws a role from a user.
type RoleRevoked struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
}
