package readindex

import "strings"

// Well-known streams, event types and roles.
const (
	AllStream              = "$all"
	SettingsStream         = "$settings"
	EpochInformationStream = "$epoch-information"
	MetastreamPrefix       = "$$"

	StreamMetadataEventType = "$metadata"
	SettingsEventType       = "$settings"

	RoleAll    = "$all"
	RoleAdmins = "$admins"
)

// IsSystemStream reports whether stream belongs to the engine ("$" prefix).
func IsSystemStream(stream string) bool { return strings.HasPrefix(stream, "$") }

// IsMetastream reports whether stream holds another stream's metadata.
func IsMetastream(stream string) bool { return strings.HasPrefix(stream, MetastreamPrefix) }

// MetastreamOf returns the metastream of stream.
func MetastreamOf(stream string) string { return MetastreamPrefix + stream }

// OriginalStreamOf returns the stream whose metadata metastream holds.
func OriginalStreamOf(metastream string) string {
	return strings.TrimPrefix(metastream, MetastreamPrefix)
}
