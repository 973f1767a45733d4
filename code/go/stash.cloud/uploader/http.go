package main

import (
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/handler"
)

func startHttpServer() {
	mode := "main net"
	if config.Development() {
		mode = "development"
	} else if config.TestNet() {
		mode = "test net"
	}

	r := mux.NewRouter()
	initHandlers(r)

	logging.Logger.Info("Starting uploader",
		zap.Int("available_cpus", runtime.NumCPU()),
		zap.Int("port", httpPort),
		zap.String("hostname", hostname),
		zap.String("mode", mode))

	address := ":" + strconv.Itoa(httpPort)
	var server *http.Server

	if config.Development() {
		// No WriteTimeout setup to enable pprof
		server = &http.Server{
			Addr:              address,
			ReadHeaderTimeout: 30 * time.Second,
			MaxHeaderBytes:    1 << 20,
			Handler:           r,
		}
	} else {
		server = &http.Server{
			Addr:              address,
			ReadHeaderTimeout: 30 * time.Second,
			// chunk uploads and commits run long; WriteTimeout must cover a
			// full gateway commit
			WriteTimeout:   config.Configuration.GatewayCommitTimeout + time.Minute,
			IdleTimeout:    30 * time.Second,
			MaxHeaderBytes: 1 << 20,
			Handler:        r,
		}
	}
	common.HandleShutdown(server)

	logging.Logger.Info("Ready to listen to the requests")
	fmt.Print("	[OK]\n")
	fmt.Printf("[7/7] listening on %v\n", address)

	log.Fatal(server.ListenAndServe())
}

func initHandlers(r *mux.Router) {
	handler.StartTime = time.Now().UTC()
	r.HandleFunc("/", HomepageHandler)
	handler.SetupHandlers(r)
}

func HomepageHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "<div>Running since %v ...</div>\n", handler.StartTime)
	fmt.Fprintf(w, "<div>Stash uploader on %v, mode %v</div>\n", hostname, config.Configuration.DeploymentMode)
}
