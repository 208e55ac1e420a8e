package version

// Version is overridden at build time with -ldflags "-X github.com/drksbr/relaytun/internal/version.Version=...".
var Version = "dev"
