// Command broadcast runs a TCP server that fans every received message
// out to all currently connected clients.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/wavecore/reactor/buffer"
	"github.com/wavecore/reactor/reactor"
	"github.com/wavecore/reactor/tcp"
)

func main() {
	addr := flag.String("addr", "0.0.0.0", "listen address")
	port := flag.Int("port", 9001, "listen port")
	ioThreads := flag.Int("io-threads", 4, "number of IO loops")
	idleTimeoutMs := flag.Int("idle-timeout-ms", 0, "idle connection timeout in ms, 0 disables eviction")
	flag.Parse()

	baseLoop, err := reactor.New()
	if err != nil {
		log.Fatalf("reactor.New: %v", err)
	}

	var mu sync.Mutex
	clients := make(map[int]*tcp.Connection)

	opts := []tcp.Option{
		tcp.WithName("broadcast"),
		tcp.WithIOThreads(*ioThreads),
		tcp.WithConnectionCallback(func(c *tcp.Connection) {
			mu.Lock()
			clients[c.Fd()] = c
			mu.Unlock()
			log.Printf("connected: fd=%d peer=%s (%d clients)", c.Fd(), c.PeerAddr(), len(clients))
		}),
		tcp.WithCloseCallback(func(c *tcp.Connection) {
			mu.Lock()
			delete(clients, c.Fd())
			n := len(clients)
			mu.Unlock()
			log.Printf("closed: fd=%d (%d clients)", c.Fd(), n)
		}),
		tcp.WithMessageCallback(func(c *tcp.Connection, buf *buffer.InputBuffer) {
			data := append([]byte(nil), buf.Bytes()...)
			buf.Pop(len(data))

			mu.Lock()
			targets := make([]*tcp.Connection, 0, len(clients))
			for _, cc := range clients {
				targets = append(targets, cc)
			}
			mu.Unlock()

			for _, cc := range targets {
				cc.Send(data)
			}
		}),
	}
	if *idleTimeoutMs > 0 {
		opts = append(opts, tcp.WithIdleTimeout(*idleTimeoutMs, 1000))
	}

	srv, err := tcp.New(baseLoop, *addr, uint16(*port), opts...)
	if err != nil {
		log.Fatalf("tcp.New: %v", err)
	}

	go baseLoop.Loop()

	if err := srv.Start(); err != nil {
		log.Fatalf("srv.Start: %v", err)
	}
	log.Printf("broadcast server listening on %s:%d", *addr, *port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("shutting down")
	srv.Stop()
	baseLoop.Stop()
	<-baseLoop.Done()
	baseLoop.Close()
}
