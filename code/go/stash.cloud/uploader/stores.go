package main

import (
	"fmt"

	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/chunkstore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/permastore"
)

func setupStores() {
	fmt.Print("[5/7] setup stores")

	if _, err := chunkstore.SetupFSStore(config.Configuration.FilesDir + "/scratch"); err != nil {
		panic(err)
	}

	if config.Configuration.GatewayURL == "" {
		if !config.Development() {
			panic("Please set permanent_storage.gateway_url; without it nothing can be committed")
		}
		// development runs against an in-memory backend with a deep pocket
		permastore.SetClient(permastore.NewMockClient(1 << 40))
	} else {
		permastore.SetupGatewayClient()
	}

	fmt.Print("		[OK]\n")
}
