package conn_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	"github.com/nabbar/litewebserver/internal/conn"
	"github.com/nabbar/litewebserver/internal/dbsession"
	"github.com/nabbar/litewebserver/internal/metrics"
	"github.com/nabbar/litewebserver/internal/router"
)

func TestConn(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "conn suite")
}

func socketpair() (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	Expect(err).ToNot(HaveOccurred())
	return fds[0], fds[1]
}

var _ = Describe("Conn", func() {
	var dir string
	var rt *router.Router
	var pool *dbsession.Pool

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		for _, f := range []string{"index.html", "404.html", "error.html", "welcome.html"} {
			Expect(os.WriteFile(filepath.Join(dir, f), []byte("body:"+f), 0o644)).To(Succeed())
		}
		var err error
		pool, err = dbsession.Open(dbsession.DriverSQLite, "file:"+filepath.Join(dir, "t.db"), 2)
		Expect(err).ToNot(HaveOccurred())
		rt = router.New(dir, pool, nil, metrics.Noop())
	})

	AfterEach(func() {
		if pool != nil {
			_ = pool.Close()
		}
	})

	It("reads a GET request and writes back a 200 response", func() {
		serverFd, clientFd := socketpair()
		defer unix.Close(clientFd)

		c := conn.New(serverFd, nil, false, rt, nil, nil)

		req := "GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n"
		n, err := unix.Write(clientFd, []byte(req))
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(len(req)))

		_, err = c.ReadSocket()
		Expect(err).ToNot(HaveOccurred())
		Expect(c.ReadBuf.Size()).To(BeNumerically(">", 0))

		Expect(c.Process(context.Background())).To(BeTrue())
		Expect(c.KeepAlive).To(BeTrue())
		Expect(c.WriteBuf.Size()).To(BeNumerically(">", 0))

		_, err = c.WriteSocket()
		Expect(err).ToNot(HaveOccurred())

		_ = c.Close("test done")
	})

	It("reports false from Process until the full body has arrived", func() {
		serverFd, clientFd := socketpair()
		defer unix.Close(clientFd)
		defer unix.Close(serverFd)

		c := conn.New(serverFd, nil, false, rt, nil, nil)

		head := "POST /register HTTP/1.1\r\nContent-Length: 23\r\n\r\n"
		_, err := unix.Write(clientFd, []byte(head))
		Expect(err).ToNot(HaveOccurred())
		_, _ = c.ReadSocket()
		Expect(c.Process(context.Background())).To(BeFalse())

		body := "username=dan&password=x"
		Expect(len(body)).To(Equal(23))
		_, err = unix.Write(clientFd, []byte(body))
		Expect(err).ToNot(HaveOccurred())
		_, _ = c.ReadSocket()
		Expect(c.Process(context.Background())).To(BeTrue())
	})
})
