package main

import (
	"fmt"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/completion"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/session"
)

func setupWorkers() {
	fmt.Print("[6/7] start workers")

	var root = common.GetRootContext()
	session.SetupWorkers(root)
	completion.SetupWorkers(root)

	fmt.Print("		[OK]\n")
}
