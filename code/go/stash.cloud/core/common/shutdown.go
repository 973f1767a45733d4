package common

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var rootContext context.Context
var rootCancel context.CancelFunc

func init() {
	rootContext, rootCancel = context.WithCancel(context.Background())
}

/*GetRootContext - the root context for the process, canceled on shutdown */
func GetRootContext() context.Context {
	return rootContext
}

/*Done - cancel the root context */
func Done() {
	rootCancel()
}

/*HandleShutdown - drain the http server and cancel the root context on
SIGINT/SIGTERM */
func HandleShutdown(server *http.Server) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx) //nolint:errcheck // shutting down anyway
		rootCancel()
	}()
}
