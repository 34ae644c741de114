// Package version reports the agentrelay build version.
//
// Values are injected at build time, for example:
//
//	go build -ldflags "-X github.com/ryanmoran/agentrelay/internal/version.GitCommit=$(git rev-parse --short HEAD)"
//
// When GitCommit is not injected the VCS revision recorded by the Go
// toolchain is used instead.
package version
