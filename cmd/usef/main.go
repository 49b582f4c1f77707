package main

import (
	"os"

	"github.com/wonny/usef/backend/cmd/usef/commands"
)

// main is the entry point for the USEF participant CLI
// ⭐ 통합 CLI 진입점: go run ./cmd/usef [command]
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
