package main

import (
	"fmt"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
)

func setupLogging() {
	fmt.Print("[3/7] init logging")

	if config.Development() {
		logging.InitLogging("development", logDir, "stashUploader.log")
	} else {
		logging.InitLogging("production", logDir, "stashUploader.log")
	}

	fmt.Print("		[OK]\n")
}
