// Command authgate runs the NGINX auth-gateway HTTP server.
package main

import (
	"os"

	"github.com/lsst-dm/jwt-authorizer/cmd/authgate/app"
	"github.com/lsst-dm/jwt-authorizer/pkg/logger"
)

func main() {
	if err := app.RootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
