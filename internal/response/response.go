// Package response implements the response builder: status line + headers
// accumulated into a write buffer, plus an open file descriptor and offset
// for a file-backed body streamed with sendfile(2).
package response

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nabbar/litewebserver/internal/buffer"
)

var reasons = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
}

var mimeTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".ico":  "image/x-icon",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
	".mp4":  "video/mp4",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".woff2": "font/woff2",
}

const defaultMime = "text/plain"

// Response is the per-connection response builder. Clear must be called at
// the start of every build to close any previously opened file and reset
// state.
type Response struct {
	StatusCode      int
	headers         map[string]string
	headerOrder     []string
	contentComplete bool
	contentFile     *os.File
	contentLen      int64
	contentOffset   int64
}

// New returns an empty Response; callers must still call Clear before the
// first build for consistency with subsequent reuses.
func New() *Response {
	r := &Response{}
	r.Clear()
	return r
}

// Clear closes any open file descriptor and resets all fields; it must run
// at the start of every response build.
func (r *Response) Clear() {
	if r.contentFile != nil {
		_ = r.contentFile.Close()
	}
	r.StatusCode = 0
	r.headers = make(map[string]string)
	r.headerOrder = nil
	r.contentComplete = false
	r.contentFile = nil
	r.contentLen = 0
	r.contentOffset = 0
}

// SetHeader sets a header, last-writer-wins; first use of a key fixes its
// emission order.
func (r *Response) SetHeader(key, value string) {
	if _, exists := r.headers[key]; !exists {
		r.headerOrder = append(r.headerOrder, key)
	}
	r.headers[key] = value
}

// HasFileBody reports whether a file body was successfully attached.
func (r *Response) HasFileBody() bool {
	return r.contentFile != nil
}

// ContentFD returns the raw file descriptor of the attached body, or -1 if
// none is attached. Used by the write path's sendfile call.
func (r *Response) ContentFD() int {
	if r.contentFile == nil {
		return -1
	}
	return int(r.contentFile.Fd())
}

// ContentOffset/ContentLen expose the body streaming cursor.
func (r *Response) ContentOffset() int64 { return r.contentOffset }
func (r *Response) ContentLen() int64    { return r.contentLen }

// SetFileBody opens path read-only, stats its size, infers Content-Type from
// its extension, and sets Content-Length. It reports false on any failure
// to open/stat, leaving the caller to choose an error status.
func (r *Response) SetFileBody(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return false
	}
	if info.IsDir() {
		_ = f.Close()
		return false
	}

	r.contentFile = f
	r.contentLen = info.Size()
	r.contentOffset = 0
	r.contentComplete = true

	ext := strings.ToLower(filepath.Ext(path))
	mime, ok := mimeTypes[ext]
	if !ok {
		mime = defaultMime
	}
	r.SetHeader("Content-Type", mime)
	r.SetHeader("Content-Length", strconv.FormatInt(r.contentLen, 10))
	return true
}

// Advance moves the body cursor forward by n bytes sent; it panics if this
// would violate 0 <= offset <= len, which would indicate a caller bug in
// the write path.
func (r *Response) Advance(n int64) {
	r.contentOffset += n
	if r.contentOffset < 0 || r.contentOffset > r.contentLen {
		panic("response: content_offset outside [0, content_len]")
	}
}

// Remaining is the number of body bytes not yet sent.
func (r *Response) Remaining() int64 {
	return r.contentLen - r.contentOffset
}

// EmitHead writes the status line and headers (then the terminating blank
// line) into buf. Unknown status codes collapse to 400.
func (r *Response) EmitHead(buf *buffer.Buffer, code int) {
	reason, ok := reasons[code]
	if !ok {
		code = 400
		reason = reasons[400]
	}
	r.StatusCode = code

	buf.Append([]byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n", code, reason)))
	for _, k := range r.headerOrder {
		buf.Append([]byte(fmt.Sprintf("%s: %s\r\n", k, r.headers[k])))
	}
	buf.Append([]byte("\r\n"))
}
