package version

// Set at build time with -ldflags "-X inference-node/internal/version.Version=...".
var (
	PackageName = "inferd"
	Version     = "undefined"
	CommitHash  = "undefined"
	BuildDate   = "undefined"
)
