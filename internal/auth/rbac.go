package auth

// CanReadCollection checks if user can read from a collection.
func CanReadCollection(payload *TokenPayload, collection string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	for _, c := range payload.Permissions.CanRead {
		if c == "*" || c == collection {
			return true
		}
	}
	return false
}

// CanWriteCollection checks if user can write to a collection.
func CanWriteCollection(payload *TokenPayload, collection string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	for _, c := range payload.Permissions.CanWrite {
		if c == "*" || c == collection {
			return true
		}
	}
	return false
}

// CreateUserPermissions creates non-admin user permissions.
func CreateUserPermissions(canRead, canWrite []string) CollectionPermissions {
	return CollectionPermissions{
		CanRead:  canRead,
		CanWrite: canWrite,
		IsAdmin:  false,
	}
}

// CreateAdminPermissions creates admin permissions with full access.
func CreateAdminPermissions() CollectionPermissions {
	return CollectionPermissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
		IsAdmin:  true,
	}
}
