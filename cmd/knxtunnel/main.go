// knxtunnel is a minimal KNXnet/IP secure tunneling client: it opens a
// secure session to a server, establishes one tunneling sub-connection,
// and prints every inbound telegram until interrupted.
package main

import (
	"os"

	"github.com/knxsecure/transport/cmd/knxtunnel/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
