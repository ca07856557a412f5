// dotflow is a local first CI engine for GitHub Actions style workflows.
//
// It runs the jobs of a workflow file along their needs graph, on the host
// or inside Docker containers.
package main

import (
	"github.com/opnlabs/dotflow/cmd/dotflow"
)

func main() {
	dotflow.Execute()
}
