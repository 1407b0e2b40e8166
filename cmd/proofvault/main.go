// proofvault is the query-governance gateway CLI.
package main

import "github.com/ppiankov/proofvault/internal/cli"

func main() {
	cli.Execute()
}
