package version

// Set via -ldflags "-X github.com/jingkaihe/fangate/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
