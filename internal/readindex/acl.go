package readindex

// StreamAccessType is the operation being authorized.
type StreamAccessType int

const (
	AccessRead StreamAccessType = iota
	AccessWrite
	AccessDelete
	AccessMetaRead
	AccessMetaWrite
)

func (a StreamAccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessDelete:
		return "delete"
	case AccessMetaRead:
		return "meta-read"
	case AccessMetaWrite:
		return "meta-write"
	default:
		return "unknown"
	}
}

// User is an authenticated principal. A nil *User is anonymous.
type User struct {
	Name  string
	Roles []string
}

func (u *User) hasRole(role string) bool {
	if u == nil {
		return false
	}
	if u.Name == role {
		return true
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// StreamAccess is the outcome of an access check. Public is set when the
// grant came from the $all role.
type StreamAccess struct {
	Granted bool
	Public  bool
}

// EffectiveAcl is the stream's own ACL next to the system default that
// applies to its class.
type EffectiveAcl struct {
	Stream  *StreamAcl
	System  *StreamAcl
	Default *StreamAcl
}

// CheckStreamAccess decides whether user may perform access on stream.
func (r *IndexReader) CheckStreamAccess(stream string, access StreamAccessType, user *User) (StreamAccess, error) {
	if IsMetastream(stream) {
		switch access {
		case AccessRead:
			return r.CheckStreamAccess(OriginalStreamOf(stream), AccessMetaRead, user)
		case AccessWrite:
			return r.CheckStreamAccess(OriginalStreamOf(stream), AccessMetaWrite, user)
		default:
			return StreamAccess{}, nil
		}
	}
	if stream == AllStream && (access == AccessWrite || access == AccessDelete) {
		return StreamAccess{}, nil
	}

	acl, err := r.GetEffectiveAcl(stream)
	if err != nil {
		return StreamAccess{}, err
	}
	roles := rolesFor(acl.Stream, access)
	if roles == nil {
		roles = rolesFor(acl.System, access)
	}
	if roles == nil {
		roles = rolesFor(acl.Default, access)
	}
	return checkRoles(roles, user), nil
}

// GetEffectiveAcl returns the ACL layers that govern stream.
func (r *IndexReader) GetEffectiveAcl(stream string) (EffectiveAcl, error) {
	lease := r.backend.BorrowReader()
	defer lease.Release()
	meta, err := r.metadataCached(lease, stream)
	if err != nil {
		return EffectiveAcl{}, err
	}

	settings := r.backend.GetSystemSettings()
	if settings == nil {
		settings = &DefaultSystemSettings
	}
	out := EffectiveAcl{Stream: meta.Acl}
	if IsSystemStream(stream) {
		out.System = settings.SystemStreamAcl
		out.Default = DefaultSystemSettings.SystemStreamAcl
	} else {
		out.System = settings.UserStreamAcl
		out.Default = DefaultSystemSettings.UserStreamAcl
	}
	return out, nil
}

func rolesFor(acl *StreamAcl, access StreamAccessType) []string {
	if acl == nil {
		return nil
	}
	switch access {
	case AccessRead:
		return acl.ReadRoles
	case AccessWrite:
		return acl.WriteRoles
	case AccessDelete:
		return acl.DeleteRoles
	case AccessMetaRead:
		return acl.MetaReadRoles
	case AccessMetaWrite:
		return acl.MetaWriteRoles
	default:
		return nil
	}
}

func checkRoles(roles []string, user *User) StreamAccess {
	for _, role := range roles {
		if role == RoleAll {
			return StreamAccess{Granted: true, Public: true}
		}
	}
	if user == nil {
		return StreamAccess{}
	}
	if user.hasRole(RoleAdmins) {
		return StreamAccess{Granted: true}
	}
	for _, role := range roles {
		if user.hasRole(role) {
			return StreamAccess{Granted: true}
		}
	}
	return StreamAccess{}
}
