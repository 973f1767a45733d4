package main

import (
	"fmt"
	"time"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/datastore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/session"
)

func setupDatabase() {
	fmt.Print("[4/7] connect data store")

	// wait for the database to come up
	var err error
	for i := 600; i > 0; i-- {
		if err = datastore.GetStore().Open(); err == nil {
			break
		}
		if i == 1 {
			logging.Logger.Error("Failed to connect to the database. Shutting the server down")
			panic(err)
		}
		time.Sleep(1 * time.Second)
	}

	if err := datastore.GetStore().AutoMigrate(session.Models()...); err != nil {
		panic(err)
	}

	fmt.Print("	[OK]\n")
}
