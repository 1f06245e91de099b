// Command carapace is the host-side supervisor binary. See cmd/ for the
// cobra command tree; the core logic lives under internal/ and pkg/.
package main

import "github.com/fred-drake/carapace/cmd"

func main() {
	cmd.Execute()
}
