package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/litewebserver/internal/logger"
)

func TestLogger(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "logger suite")
}

var _ = Describe("New", func() {
	It("writes to the configured log file when OpenLog is true", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "out.log")

		l := logger.New(logger.Options{OpenLog: true, Level: logger.LevelInfo, FilePath: path})
		l.Infof("hello %s", "world")
		Expect(l.Close()).To(Succeed())

		data, err := os.ReadFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("hello world"))
	})

	It("falls back to stderr without erroring when OpenLog is false", func() {
		l := logger.New(logger.Options{OpenLog: false})
		Expect(func() { l.Warnf("careful") }).ToNot(Panic())
		Expect(l.Close()).To(Succeed())
	})

	It("WithFields returns a logger carrying the given fields", func() {
		l := logger.Noop().WithFields(map[string]interface{}{"fd": 7})
		Expect(func() { l.Debugf("ping") }).ToNot(Panic())
	})
})
