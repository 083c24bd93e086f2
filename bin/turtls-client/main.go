package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/lukasvrenner/turtls"
)

var addr string
var serverName string
var alpn string
var insecure bool
var sessionDB string
var sessionClearAll bool

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "host:port to connect to")
	flag.StringVar(&serverName, "servername", "", "server name for SNI and verification")
	flag.StringVar(&alpn, "alpn", "", "comma-separated ALPN protocols to offer")
	flag.BoolVar(&insecure, "insecure", false, "skip certificate verification")
	flag.StringVar(&sessionDB, "session-database", "", "session database file (will be created or opened)")
	flag.BoolVar(&sessionClearAll, "session-clear-all", false, "clear all stored sessions")
	flag.Parse()

	config := turtls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
	}
	if alpn != "" {
		config.NextProtos = strings.Split(alpn, ",")
	}

	if sessionDB != "" {
		store, err := turtls.OpenSessionStore(sessionDB)
		if err != nil {
			log.Fatalf("client: session store: %s", err)
		}
		defer store.Close()
		if sessionClearAll {
			if err := store.Cleanup(); err != nil {
				log.Fatalf("client: session store: %s", err)
			}
			return
		}
		config.SessionDB = store
	}

	if serverName == "" && !insecure {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			log.Fatalf("client: bad address %q: %s", addr, err)
		}
		config.ServerName = host
	}

	tcp, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("client: dial: %s", err)
	}
	defer tcp.Close()

	conn := turtls.NewConn(&config)
	transport := turtls.NewNetTransport(tcp)
	if result := conn.ClientHandshake(transport); !result.Ok() {
		log.Fatalf("client: handshake failed: %s", result)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	log.Printf("client: connected, suite=%04x group=%04x proto=%q",
		uint16(state.CipherSuite), uint16(state.Group), state.NextProto)

	request := "GET / HTTP/1.0\r\n\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		log.Fatalf("client: write: %s", err)
	}

	buffer := make([]byte, 1024)
	for {
		read, err := conn.Read(buffer)
		if err != nil {
			break
		}
		fmt.Print(string(buffer[:read]))
	}
}
