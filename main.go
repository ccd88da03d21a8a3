// Command settle runs the donation settlement service.
//
//	settle serve --config settle.yaml
//
// The server listens on :8080 by default. Set PORT (or SETTLE_SERVER_PORT)
// to override and DB_PATH (or SETTLE_STORE_BOLT_PATH) to change the BoltDB
// file location. See config for every setting.
package main

import (
	"os"

	"github.com/arkantrust/donation-settlement/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
