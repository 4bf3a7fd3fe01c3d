// Command patchgate gates container-stack upgrades behind risk tiers and
// human approval.
package main

import "github.com/ppiankov/patchgate/internal/cli"

func main() {
	cli.Execute()
}
