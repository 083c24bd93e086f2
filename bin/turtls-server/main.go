package main

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"log"
	"net"
	"os"
	"strings"

	"github.com/lukasvrenner/turtls"
)

var port string
var serverKeyFile, serverCertFile string
var alpn string

func readServerKey(serverKeyFile string) crypto.Signer {
	serverKeyBytes, err := os.ReadFile(serverKeyFile)
	if err != nil {
		log.Fatalf("Cannot read key: %s", serverKeyFile)
	}
	serverKeyPEM, _ := pem.Decode(serverKeyBytes)
	if serverKeyPEM == nil {
		log.Fatalf("Cannot decode private key: %s", serverKeyFile)
	}
	if key, err := x509.ParseECPrivateKey(serverKeyPEM.Bytes); err == nil {
		return key
	}
	keyGeneric, err := x509.ParsePKCS8PrivateKey(serverKeyPEM.Bytes)
	if err != nil {
		log.Fatalf("Cannot parse private key: %s", serverKeyFile)
	}
	key, ok := keyGeneric.(crypto.Signer)
	if !ok {
		log.Fatalf("Unusable private key: %s", serverKeyFile)
	}
	return key
}

func readServerCerts(serverCertFile string) []*x509.Certificate {
	serverCertBytes, err := os.ReadFile(serverCertFile)
	if err != nil {
		log.Fatalf("Cannot read cert: %s", serverCertFile)
	}
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, serverCertBytes = pem.Decode(serverCertBytes)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			log.Fatalf("Cannot parse cert: %s", serverCertFile)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		log.Fatalf("No certificates in: %s", serverCertFile)
	}
	return chain
}

func main() {
	flag.StringVar(&port, "port", "4430", "port")
	flag.StringVar(&serverKeyFile, "keyfile", "", "private key file")
	flag.StringVar(&serverCertFile, "certfile", "", "certificate file")
	flag.StringVar(&alpn, "alpn", "", "comma-separated ALPN protocols to accept")
	flag.Parse()

	if serverKeyFile == "" || serverCertFile == "" {
		log.Fatal("You must specify a private key file and a certificate file")
	}

	config := turtls.Config{
		Certificates: []*turtls.Certificate{
			{
				Chain:      readServerCerts(serverCertFile),
				PrivateKey: readServerKey(serverKeyFile),
			},
		},
	}
	if alpn != "" {
		config.NextProtos = strings.Split(alpn, ",")
	}
	config.Init()

	service := "0.0.0.0:" + port
	listener, err := net.Listen("tcp", service)
	if err != nil {
		log.Fatalf("server: listen: %s", err)
	}
	log.Print("server: listening")

	for {
		tcp, err := listener.Accept()
		if err != nil {
			log.Printf("server: accept: %s", err)
			break
		}
		log.Printf("server: accepted from %s", tcp.RemoteAddr())
		go handleClient(tcp, &config)
	}
}

func handleClient(tcp net.Conn, config *turtls.Config) {
	defer tcp.Close()

	conn := turtls.NewConn(config)
	if result := conn.ServerHandshake(turtls.NewNetTransport(tcp)); !result.Ok() {
		log.Printf("server: handshake failed: %s", result)
		return
	}
	defer conn.Close()

	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Printf("server: conn: read: %s", err)
			break
		}
		log.Printf("server: conn: received %q", string(buf[:n]))

		response := "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
		if _, err := conn.Write([]byte(response)); err != nil {
			log.Printf("server: conn: write: %s", err)
			break
		}
	}
}
