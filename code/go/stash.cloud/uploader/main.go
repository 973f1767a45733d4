package main

import (
	"fmt"
)

func main() {
	parseFlags()

	setupConfig()

	setupLogging()

	setupDatabase()

	setupStores()

	setupWorkers()

	fmt.Print("> start http server")
	startHttpServer()
}
