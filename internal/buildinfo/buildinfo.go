// Package buildinfo carries version metadata stamped at link time:
//
//	go build -ldflags "-X github.com/modoterra/rtlstream/internal/buildinfo.Version=v0.1.0"
package buildinfo

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build metadata for version commands.
func String(name string) string {
	return name + " " + Version + " (" + Commit + ") built " + Date
}
