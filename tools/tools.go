//go:build tools

// Package tools pins the linters and formatters run against the service.
//
//	go run -modfile=tools/go.mod github.com/golangci/golangci-lint/cmd/golangci-lint run ./...
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
	_ "honnef.co/go/tools/cmd/staticcheck"
	_ "mvdan.cc/gofumpt"
)
