// Command echo runs a TCP echo server on top of the reactor stack: every
// connection gets its own buffer, and every byte read is written back
// verbatim.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/wavecore/reactor/buffer"
	"github.com/wavecore/reactor/reactor"
	"github.com/wavecore/reactor/tcp"
)

func main() {
	addr := flag.String("addr", "0.0.0.0", "listen address")
	port := flag.Int("port", 9000, "listen port")
	ioThreads := flag.Int("io-threads", 4, "number of IO loops")
	idleTimeoutMs := flag.Int("idle-timeout-ms", 0, "idle connection timeout in ms, 0 disables eviction")
	flag.Parse()

	baseLoop, err := reactor.New()
	if err != nil {
		log.Fatalf("reactor.New: %v", err)
	}

	opts := []tcp.Option{
		tcp.WithName("echo"),
		tcp.WithIOThreads(*ioThreads),
		tcp.WithConnectionCallback(func(c *tcp.Connection) {
			log.Printf("connected: fd=%d peer=%s", c.Fd(), c.PeerAddr())
		}),
		tcp.WithCloseCallback(func(c *tcp.Connection) {
			log.Printf("closed: fd=%d", c.Fd())
		}),
		tcp.WithMessageCallback(func(c *tcp.Connection, buf *buffer.InputBuffer) {
			payload := append([]byte(nil), buf.Bytes()...)
			buf.Pop(len(payload))
			c.Send(payload)
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
	log.Printf("echo server listening on %s:%d", *addr, *port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("shutting down")
	srv.Stop()
	baseLoop.Stop()
	<-baseLoop.Done()
	baseLoop.Close()
}
