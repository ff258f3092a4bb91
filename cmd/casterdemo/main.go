// ============================================================================
// Caster Demo - Self-Contained Relay Walkthrough
// ============================================================================
//
// File: cmd/casterdemo/main.go
// Purpose: Start a local caster, feed it a synthetic correction stream and
//          subscribe a client, printing what gets relayed
//
// ============================================================================

package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/ChuLiYu/ntrip-caster/internal/caster"
)

const mountpoint = "DEMO"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := caster.Config{
		ListenAddr: "127.0.0.1:0",
		Workers:    2,
	}
	cst := caster.New(cfg, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- cst.Start(ctx) }()

	addr := waitForAddr(cst)
	fmt.Printf("caster up on %s\n", addr)

	source := dial(addr)
	defer source.Close()
	srcReader := bufio.NewReader(source)
	fmt.Fprintf(source, "SOURCE letmein /%s\r\nUser-Agent: NTRIP demo-source\r\n\r\n", mountpoint)
	expectLine(source, srcReader, "ICY 200 OK")

	client := dial(addr)
	defer client.Close()
	cliReader := bufio.NewReader(client)
	fmt.Fprintf(client, "GET /%s HTTP/1.1\r\nUser-Agent: NTRIP demo-client\r\n\r\n", mountpoint)
	expectLine(client, cliReader, "ICY 200 OK")

	// Feed a few synthetic correction packets and watch them come back.
	go func() {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(source, "rtcm-packet-%d\n", i)
			time.Sleep(100 * time.Millisecond)
		}
	}()

	scanner := bufio.NewScanner(cliReader)
	for i := 0; i < 5 && scanner.Scan(); i++ {
		fmt.Printf("client received: %q\n", scanner.Text())
	}

	cancel()
	if err := <-errCh; err != nil {
		log.Fatalf("caster exited with error: %v", err)
	}
	fmt.Println("demo complete")
}

func waitForAddr(cst *caster.Caster) string {
	for i := 0; i < 100; i++ {
		if addr := cst.Addr(); addr != nil {
			return addr.String()
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Fatal("caster did not come up")
	return ""
}

func dial(addr string) net.Conn {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("dial caster: %v", err)
	}
	return conn
}

// expectLine reads the status line plus the blank line that terminates the
// response head.
func expectLine(conn net.Conn, r *bufio.Reader, want string) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		log.Fatalf("handshake read: %v", err)
	}
	if _, err := r.ReadString('\n'); err != nil {
		log.Fatalf("handshake read: %v", err)
	}
	conn.SetReadDeadline(time.Time{})
	if got := trimCRLF(line); got != want {
		log.Fatalf("handshake: got %q, want %q", got, want)
	}
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
