//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are installed with `go install` and are not tracked in go.mod
// since the binaries are never imported.
package tools

// Development tools (install via `go install`):
//
// gotestsum - test runner with JUnit output, used by `make test`
//   Install: go install gotest.tools/gotestsum@v1.12.3
//
// golangci-lint - linters configured in .golangci.yml, used by `make lint`
//   Install: go install github.com/golangci/golangci-lint/v2/cmd/golangci-lint@v2.5.0
//
// govulncheck - known-vulnerability scan, used by `make vuln`
//   Install: go install golang.org/x/vuln/cmd/govulncheck@v1.1.4
//
// mockgen - regenerates internal/mocks (run through go generate, no install needed)
//   Docs: https://github.com/uber-go/mock
