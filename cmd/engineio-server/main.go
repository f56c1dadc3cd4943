// Command engineio-server is a minimal standalone Engine.IO server: it
// attaches eio.Server to the standard library's http.Server and echoes
// every message it receives back to the sending client.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/riverford/engineio/config"
	"github.com/riverford/engineio/eio"
	"github.com/riverford/engineio/eioerr"
	"github.com/riverford/engineio/internal/elog"
)

var log = elog.New("eio:cmd")

func main() {
	addr := flag.String("addr", ":3000", "address to listen on")
	path := flag.String("path", "/engine.io/", "Engine.IO request path")
	flag.Parse()

	cfg := config.DefaultServerConfiguration()
	cfg.Path = *path

	srv, err := eio.NewServer(cfg)
	if err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	srv.OnConnection(func(session *eio.Session) {
		log.Debugf("connected: %s (%s)", session.ID(), session.RemoteAddr())
		session.OnMessage(func(msg eio.Message) {
			session.Send(msg.Data, msg.Binary)
		})
		session.OnClose(func(reason *eioerr.Exception) {
			if reason != nil {
				log.Debugf("closed: %s: %v", session.ID(), reason)
			}
		})
	})
	srv.OnConnectionError(func(ex *eioerr.Exception) {
		log.Debugf("connect error: %v", ex)
	})

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Warnf("listening on %s (path %s)", *addr, cfg.Path)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("serve: %v", err)
		os.Exit(1)
	}
}
