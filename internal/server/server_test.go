package server_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/litewebserver/internal/dbsession"
	"github.com/nabbar/litewebserver/internal/metrics"
	"github.com/nabbar/litewebserver/internal/router"
	"github.com/nabbar/litewebserver/internal/server"
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "server suite")
}

func newTestServer(dir string, timeoutMS int) (*server.Server, *dbsession.Pool) {
	pool, err := dbsession.Open(dbsession.DriverSQLite, "file:"+filepath.Join(dir, "t.db"), 4)
	Expect(err).ToNot(HaveOccurred())
	rt := router.New(dir, pool, nil, metrics.Noop())

	srv, err := server.New(server.Options{
		Port:      0,
		TrigMode:  0,
		TimeoutMS: timeoutMS,
		ThreadNum: 4,
	}, rt, nil, nil)
	Expect(err).ToNot(HaveOccurred())
	return srv, pool
}

var _ = Describe("Server", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		for name, body := range map[string]string{
			"index.html":    "<html>home</html>",
			"404.html":      "missing",
			"error.html":    "bad creds",
			"welcome.html":  "hi there",
			"login.html":    "login form",
			"register.html": "register form",
		} {
			Expect(os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644)).To(Succeed())
		}
	})

	It("serves a static GET request over a real TCP connection (S1)", func() {
		srv, pool := newTestServer(dir, 0)
		defer pool.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go srv.Start(ctx)
		defer cancel()
		defer srv.Stop()

		port, err := waitForPort(srv)
		Expect(err).ToNot(HaveOccurred())

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		status, body := readResponse(conn)
		Expect(status).To(ContainSubstring("200"))
		Expect(body).To(ContainSubstring("home"))
	})

	It("returns 404 for an unknown path (S2)", func() {
		srv, pool := newTestServer(dir, 0)
		defer pool.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go srv.Start(ctx)
		defer cancel()
		defer srv.Stop()

		port, err := waitForPort(srv)
		Expect(err).ToNot(HaveOccurred())

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		fmt.Fprintf(conn, "GET /nope HTTP/1.1\r\nConnection: close\r\n\r\n")
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		status, _ := readResponse(conn)
		Expect(status).To(ContainSubstring("404"))
	})

	It("registers a user, then serves error.html for a wrong-password login via POST (S4)", func() {
		srv, pool := newTestServer(dir, 0)
		defer pool.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go srv.Start(ctx)
		defer cancel()
		defer srv.Stop()

		port, err := waitForPort(srv)
		Expect(err).ToNot(HaveOccurred())
		addr := fmt.Sprintf("127.0.0.1:%d", port)

		regBody := "username=erin&password=s3cret"
		regConn, err := net.DialTimeout("tcp", addr, time.Second)
		Expect(err).ToNot(HaveOccurred())
		fmt.Fprintf(regConn, "POST /register HTTP/1.1\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(regBody), regBody)
		regConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		status, _ := readResponse(regConn)
		regConn.Close()
		Expect(status).To(ContainSubstring("200"))

		loginBody := "username=erin&password=wrong"
		loginConn, err := net.DialTimeout("tcp", addr, time.Second)
		Expect(err).ToNot(HaveOccurred())
		fmt.Fprintf(loginConn, "POST /login HTTP/1.1\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(loginBody), loginBody)
		loginConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		status2, body2 := readResponse(loginConn)
		loginConn.Close()
		Expect(status2).To(ContainSubstring("200"))
		Expect(body2).To(ContainSubstring("bad creds"))
	})

	It("reuses a keep-alive connection for a second request (S5)", func() {
		srv, pool := newTestServer(dir, 0)
		defer pool.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go srv.Start(ctx)
		defer cancel()
		defer srv.Stop()

		port, err := waitForPort(srv)
		Expect(err).ToNot(HaveOccurred())

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		fmt.Fprintf(conn, "GET /index HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		status1, _ := readResponse(conn)
		Expect(status1).To(ContainSubstring("200"))

		fmt.Fprintf(conn, "GET /welcome HTTP/1.1\r\nConnection: close\r\n\r\n")
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		status2, body2 := readResponse(conn)
		Expect(status2).To(ContainSubstring("200"))
		Expect(body2).To(ContainSubstring("hi there"))
	})

	It("evicts an idle connection past its timeout (S6)", func() {
		srv, pool := newTestServer(dir, 50)
		defer pool.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go srv.Start(ctx)
		defer cancel()
		defer srv.Stop()

		port, err := waitForPort(srv)
		Expect(err).ToNot(HaveOccurred())

		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		Expect(n).To(Equal(0))
		Expect(err).To(HaveOccurred())
	})
})

func waitForPort(srv *server.Server) (int, error) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p, err := srv.Port(); err == nil && p != 0 {
			return p, nil
		}
		time.Sleep(time.Millisecond)
	}
	return srv.Port()
}

func readResponse(conn net.Conn) (status string, body string) {
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return "", ""
	}
	status = strings.TrimSpace(statusLine)

	for {
		line, err := reader.ReadString('\n')
		if err != nil || line == "\r\n" {
			break
		}
	}
	rest := make([]byte, 4096)
	n, _ := reader.Read(rest)
	return status, string(rest[:n])
}
