// Command buildgraphd runs the incremental build-graph evaluation
// service's HTTP/WebSocket front door.
package main

import (
	"log"

	"buildgraph.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
