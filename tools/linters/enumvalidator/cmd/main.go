package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"forgeflow.dev/sessiond/tools/linters/enumvalidator"
)

func main() {
	singlechecker.Main(enumvalidator.Analyzer)
}
