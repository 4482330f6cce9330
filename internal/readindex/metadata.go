package readindex

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// StreamAcl lists the roles allowed per access type. A nil list is unset and
// falls back to the system default; an empty list grants nobody.
type StreamAcl struct {
	ReadRoles      []string
	WriteRoles     []string
	DeleteRoles    []string
	MetaReadRoles  []string
	MetaWriteRoles []string
}

// StreamMetadata is the parsed content of a stream's latest metastream event.
// Zero values mean "not set".
type StreamMetadata struct {
	MaxCount       int64
	MaxAge         time.Duration
	TruncateBefore int64
	CacheControl   time.Duration
	Acl            *StreamAcl
}

// EmptyStreamMetadata has every property unset.
var EmptyStreamMetadata = StreamMetadata{}

// IsSoftDeleted reports whether the stream was truncated with the deleted sentinel.
func (m StreamMetadata) IsSoftDeleted() bool { return m.TruncateBefore == EventNumberDeletedStream }

type aclJSON struct {
	Read      roles `json:"$r,omitempty"`
	Write     roles `json:"$w,omitempty"`
	Delete    roles `json:"$d,omitempty"`
	MetaRead  roles `json:"$mr,omitempty"`
	MetaWrite roles `json:"$mw,omitempty"`
}

type metadataJSON struct {
	MaxCount       int64    `json:"$maxCount,omitempty"`
	MaxAge         int64    `json:"$maxAge,omitempty"`
	TruncateBefore int64    `json:"$tb,omitempty"`
	CacheControl   int64    `json:"$cacheControl,omitempty"`
	Acl            *aclJSON `json:"$acl,omitempty"`
}

// roles accepts either a single role string or an array of roles.
type roles []string

func (r *roles) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*r = roles{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.Wrap(err, "acl roles must be a string or an array of strings")
	}
	if many == nil {
		many = []string{}
	}
	*r = many
	return nil
}

func (r roles) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

func aclFromJSON(a *aclJSON) *StreamAcl {
	if a == nil {
		return nil
	}
	return &StreamAcl{
		ReadRoles:      a.Read,
		WriteRoles:     a.Write,
		DeleteRoles:    a.Delete,
		MetaReadRoles:  a.MetaRead,
		MetaWriteRoles: a.MetaWrite,
	}
}

func aclToJSON(a *StreamAcl) *aclJSON {
	if a == nil {
		return nil
	}
	return &aclJSON{
		Read:      a.ReadRoles,
		Write:     a.WriteRoles,
		Delete:    a.DeleteRoles,
		MetaRead:  a.MetaReadRoles,
		MetaWrite: a.MetaWriteRoles,
	}
}

// ParseStreamMetadata decodes metastream event data. Invalid JSON yields
// EmptyStreamMetadata.
func ParseStreamMetadata(data []byte) StreamMetadata {
	m, err := DecodeStreamMetadata(data)
	if err != nil {
		return EmptyStreamMetadata
	}
	return m
}

// DecodeStreamMetadata is ParseStreamMetadata that reports decoding errors.
func DecodeStreamMetadata(data []byte) (StreamMetadata, error) {
	var raw metadataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return EmptyStreamMetadata, errors.Wrap(err, "decode stream metadata")
	}
	m := StreamMetadata{
		TruncateBefore: raw.TruncateBefore,
		Acl:            aclFromJSON(raw.Acl),
	}
	if raw.MaxCount > 0 {
		m.MaxCount = raw.MaxCount
	}
	if raw.MaxAge > 0 {
		m.MaxAge = time.Duration(raw.MaxAge) * time.Second
	}
	if raw.CacheControl > 0 {
		m.CacheControl = time.Duration(raw.CacheControl) * time.Second
	}
	if m.TruncateBefore < 0 {
		m.TruncateBefore = 0
	}
	return m, nil
}

// JSON encodes m in metastream form.
func (m StreamMetadata) JSON() []byte {
	b, _ := json.Marshal(metadataJSON{
		MaxCount:       m.MaxCount,
		MaxAge:         int64(m.MaxAge / time.Second),
		TruncateBefore: m.TruncateBefore,
		CacheControl:   int64(m.CacheControl / time.Second),
		Acl:            aclToJSON(m.Acl),
	})
	return b
}

// SystemSettings are the engine-wide default ACLs stored in $settings.
type SystemSettings struct {
	UserStreamAcl   *StreamAcl
	SystemStreamAcl *StreamAcl
}

// DefaultSystemSettings grant everyone access to user streams and only
// admins access to system streams.
var DefaultSystemSettings = SystemSettings{
	UserStreamAcl: &StreamAcl{
		ReadRoles:      []string{RoleAll},
		WriteRoles:     []string{RoleAll},
		DeleteRoles:    []string{RoleAll},
		MetaReadRoles:  []string{RoleAll},
		MetaWriteRoles: []string{RoleAll},
	},
	SystemStreamAcl: &StreamAcl{
		ReadRoles:      []string{RoleAdmins},
		WriteRoles:     []string{RoleAdmins},
		DeleteRoles:    []string{RoleAdmins},
		MetaReadRoles:  []string{RoleAdmins},
		MetaWriteRoles: []string{RoleAdmins},
	},
}

type settingsJSON struct {
	UserStreamAcl   *aclJSON `json:"$userStreamAcl,omitempty"`
	SystemStreamAcl *aclJSON `json:"$systemStreamAcl,omitempty"`
}

// ParseSystemSettings decodes $settings event data.
func ParseSystemSettings(data []byte) (SystemSettings, error) {
	var raw settingsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return SystemSettings{}, errors.Wrap(err, "decode system settings")
	}
	return SystemSettings{
		UserStreamAcl:   aclFromJSON(raw.UserStreamAcl),
		SystemStreamAcl: aclFromJSON(raw.SystemStreamAcl),
	}, nil
}

// JSON encodes s in $settings form.
func (s SystemSettings) JSON() []byte {
	b, _ := json.Marshal(settingsJSON{
		UserStreamAcl:   aclToJSON(s.UserStreamAcl),
		SystemStreamAcl: aclToJSON(s.SystemStreamAcl),
	})
	return b
}
