package trace

// Version information for exectrace.
const (
	// Version is the current version of exectrace.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info contains version and session information.
type Info struct {
	Version string
	Active  bool
	Session string
	Source  string
}

// GetInfo returns the version and the state of the running session.
func GetInfo() Info {
	info := Info{Version: Version}
	if s := Current(); s != nil {
		info.Active = true
		info.Session = s.ID()
		info.Source = s.SourceName()
	}
	return info
}
