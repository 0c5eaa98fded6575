package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/valyala/fasthttp"
)

const relayBufferSize = 4 << 10

// Stream is an open streaming call. Status and ContentType are known as soon
// as Stream returns; the body is consumed through Relay or ReadAll.
type Stream struct {
	Status      int
	ContentType string

	req  *fasthttp.Request
	resp *fasthttp.Response
	body io.Reader

	closeOnce sync.Once
}

func newStream(req *fasthttp.Request, resp *fasthttp.Response) *Stream {
	s := &Stream{
		Status:      resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
		req:         req,
		resp:        resp,
	}
	if bs := resp.BodyStream(); bs != nil {
		s.body = bs
	} else {
		s.body = bytes.NewReader(resp.Body())
	}
	return s
}

// OK reports whether the upstream accepted the call with a 2xx status.
func (s *Stream) OK() bool {
	return s.Status >= 200 && s.Status < 300
}

// Relay copies the upstream body to w, flushing after every read so each
// chunk reaches the client as soon as it arrives. It returns the number of
// bytes relayed and the first write or read error; a clean upstream EOF is
// not an error.
func (s *Stream) Relay(w *bufio.Writer) (int64, error) {
	buf := make([]byte, relayBufferSize)
	var total int64
	for {
		n, rerr := s.body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			if err := w.Flush(); err != nil {
				return total, err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

// ReadAll drains the body. Used for non-2xx answers, which are relayed as a
// single buffered response.
func (s *Stream) ReadAll() ([]byte, error) {
	return io.ReadAll(s.body)
}

// Close releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.resp.CloseBodyStream()
		fasthttp.ReleaseResponse(s.resp)
		fasthttp.ReleaseRequest(s.req)
	})
	return err
}
