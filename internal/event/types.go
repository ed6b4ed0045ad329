// SPDX-License-Identifier: MIT

package event

// Event type constants. Grouped by stream family; the catalog below is the
// single declaration point that binds each type to its stream, payload and
// notification behaviour.
const (
	// user stream
	TypeUserCreated         Type = "user.created"
	TypeUserUpdated         Type = "user.updated"
	TypeUserDeactivated     Type = "user.deactivated"
	TypeUserPhoneAdded      Type = "user.phone.added"
	TypeUserPhoneRemoved    Type = "user.phone.removed"
	TypeUserInvited         Type = "user.invited"
	TypeUserInviteAccepted  Type = "user.invite.accepted"
	TypeUserInviteCancelled Type = "user.invite.cancelled"

	// organization stream
	TypeOrgCreated             Type = "organization.created"
	TypeOrgUpdated             Type = "organization.updated"
	TypeOrgMemberAdded         Type = "organization.member.added"
	TypeOrgMemberRemoved       Type = "organization.member.removed"
	TypeOrgSubdomainInitiated  Type = "organization.subdomain.initiated"
	TypeOrgSubdomainInProgress Type = "organization.subdomain.in_progress"
	TypeOrgSubdomainVerified   Type = "organization.subdomain.verified"
	TypeOrgSubdomainFailed     Type = "organization.subdomain.failed"
	TypeOrgSubdomainCancelled  Type = "organization.subdomain.cancelled"

	// role stream
	TypeRoleCreated           Type = "role.created"
	TypeRoleDeleted           Type = "role.deleted"
	TypeRolePermissionGranted Type = "role.permission.granted"
	TypeRolePermissionRevoked Type = "role.permission.revoked"
	TypeRoleAssigned          Type = "role.assigned"
	TypeRoleRevoked           Type = "role.revoked"
)

// Def declares one event type. Notify marks types that fan out to the
// asynchronous bus after commit; everything else stays on the synchronous
// projection path only.
type Def struct {
	Type       Type
	Stream     StreamType
	Notify     bool
	NewPayload func() any
}

// catalog is the authoritative dispatch declaration. Adding an event type
// means adding exactly one entry here; the router exhaustiveness tests fail
// until the matching handler exists.
var catalog = []Def{
	{TypeUserCreated, StreamUser, false, func() any { return &UserCreated{} }},
	{TypeUserUpdated, StreamUser, false, func() any { return &UserUpdated{} }},
	{TypeUserDeactivated, StreamUser, false, func() any { return &UserDeactivated{} }},
	{TypeUserPhoneAdded, StreamUser, false, func() any { return &UserPhoneAdded{} }},
	{TypeUserPhoneRemoved, StreamUser, false, func() any { return &UserPhoneRemoved{} }},
	{TypeUserInvited, StreamUser, true, func() any { return &UserInvited{} }},
	{TypeUserInviteAccepted, StreamUser, false, func() any { return &UserInviteAccepted{} }},
	{TypeUserInviteCancelled, StreamUser, false, func() any { return &UserInviteCancelled{} }},

	{TypeOrgCreated, StreamOrganization, false, func() any { return &OrganizationCreated{} }},
	{TypeOrgUpdated, StreamOrganization, false, func() any { return &OrganizationUpdated{} }},
	{TypeOrgMemberAdded, StreamOrganization, false, func() any { return &OrganizationMemberAdded{} }},
	{TypeOrgMemberRemoved, StreamOrganization, false, func() any { return &OrganizationMemberRemoved{} }},
	{TypeOrgSubdomainInitiated, StreamOrganization, true, func() any { return &SubdomainInitiated{} }},
	{TypeOrgSubdomainInProgress, StreamOrganization, false, func() any { return &SubdomainInProgress{} }},
	{TypeOrgSubdomainVerified, StreamOrganization, false, func() any { return &SubdomainVerified{} }},
	{TypeOrgSubdomainFailed, StreamOrganization, false, func() any { return &SubdomainFailed{} }},
	{TypeOrgSubdomainCancelled, StreamOrganization, true, func() any { return &SubdomainCancelled{} }},

	{TypeRoleCreated, StreamRole, false, func() any { return &RoleCreated{} }},
	{TypeRoleDeleted, StreamRole, false, func() any { return &RoleDeleted{} }},
	{TypeRolePermissionGranted, StreamRole, false, func() any { return &RolePermissionGranted{} }},
	{TypeRolePermissionRevoked, StreamRole, false, func() any { return &RolePermissionRevoked{} }},
	{TypeRoleAssigned, StreamRole, false, func() any { return &RoleAssigned{} }},
	{TypeRoleRevoked, StreamRole, false, func() any { return &RoleRevoked{} }},
}

var byType = func() map[Type]Def {
	m := make(map[Type]Def, len(catalog))
	for _, def := range catalog {
		if _, dup := m[def.Type]; dup {
			panic("duplicate event type declaration: " + string(def.Type))
		}
		if err := ValidateTypeName(def.Stream, def.Type); err != nil {
			panic("invalid event type declaration: " + err.Error())
		}
		m[def.Type] = def
	}
	return m
}()

// Lookup returns the declaration for an event type.
func Lookup(t Type) (Def, bool) {
	def, ok := byType[t]
	return def, ok
}

// Declared reports whether the event type exists in the catalog.
func Declared(t Type) bool {
	_, ok := byType[t]
	return ok
}

// Types returns all declared event types, optionally filtered by stream.
func Types(stream StreamType) []Type {
	var out []Type
	for _, def := range catalog {
		if stream == "" || def.Stream == stream {
			out = append(out, def.Type)
		}
	}
	return out
}

// NotifyTypes returns the event types flagged for asynchronous notification.
func NotifyTypes() []Type {
	var out []Type
	for _, def := range catalog {
		if def.Notify {
			out = append(out, def.Type)
		}
	}
	return out
}

// Streams returns the declared stream families.
func Streams() []StreamType {
	return []StreamType{StreamUser, StreamOrganization, StreamRole}
}
