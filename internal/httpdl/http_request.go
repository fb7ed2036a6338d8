package httpdl

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"downpour/internal/clock"
	"downpour/internal/domain"
	"downpour/internal/engine"
	"downpour/internal/group"
	"downpour/internal/option"
	"downpour/internal/socket"
)

type requestPhase int

const (
	reqPhaseWaitConnect requestPhase = iota
	reqPhaseSendRequest
	reqPhaseReadHeader
	reqPhaseReceiveBody
)

const (
	userAgent        = "downpour/0.1"
	readChunkSize    = 32 * 1024
	defaultIOTimeout = 60 * time.Second
	headerTerminator = "\r\n\r\n"
)

// HTTPRequestCommand issues the GET for one URI and streams the response
// body into the group's piece accounting. When the command was handed a
// pooled socket that the server has silently closed, the first failed write
// reissues the request once on a fresh connection.
type HTTPRequestCommand struct {
	engine.BaseCommand

	e      *engine.Engine
	logger *slog.Logger
	req    *domain.Request
	proxy  *domain.Request // non-nil: transparent proxy, absolute-form request line
	sock   *socket.Socket

	viaTunnel bool
	fromPool  bool
	retried   bool
	// peerAddr is the resolved address the socket was dialed (or pooled)
	// under on the no-proxy path; donations reuse it as the pool key so the
	// next connection's address-keyed pop can find the socket. Empty on the
	// proxy paths, which key by origin hostname instead.
	peerAddr string

	phase          requestPhase
	deadline       *clock.Checkpoint
	connectTimeout time.Duration
	ioTimeout      time.Duration

	header        bytes.Buffer
	statusCode    int
	contentLength int64
	keepAlive     bool
	received      int64
	markedPieces  int
}

func NewHTTPRequestCommand(
	cuid int64,
	g *group.Group,
	e *engine.Engine,
	req *domain.Request,
	sock *socket.Socket,
) *HTTPRequestCommand {
	ioTimeout := g.Option().GetDuration(option.KeyTimeout)
	if ioTimeout <= 0 {
		ioTimeout = defaultIOTimeout
	}
	connectTimeout := g.Option().GetDuration(option.KeyConnectTimeout)
	if connectTimeout <= 0 {
		connectTimeout = defaultIOTimeout
	}
	c := &HTTPRequestCommand{
		BaseCommand:    engine.NewBaseCommand(cuid, g, req.URI),
		e:              e,
		logger:         g.Logger(),
		req:            req,
		sock:           sock,
		deadline:       clock.NewCheckpoint(clock.Real{}),
		connectTimeout: connectTimeout,
		ioTimeout:      ioTimeout,
		contentLength:  -1,
	}
	if sock.State() == socket.StateConnected {
		c.fromPool = true
		c.phase = reqPhaseSendRequest
	}
	return c
}

func (c *HTTPRequestCommand) Execute() (bool, error) {
	if c.Group().HaltRequested() {
		_ = c.sock.Close()
		return true, nil
	}

	switch c.phase {
	case reqPhaseWaitConnect:
		switch c.sock.State() {
		case socket.StateConnected:
			c.deadline.Reset()
			c.phase = reqPhaseSendRequest
		case socket.StateClosed:
			return false, domain.WrapAbort(domain.ResultConnectTimeout,
				"connect to "+c.req.Host+" failed", c.sock.Err())
		default:
			if c.deadline.Elapsed(c.connectTimeout) {
				_ = c.sock.Close()
				return false, domain.NewAbort(domain.ResultConnectTimeout,
					"connect deadline exceeded for "+c.req.Host)
			}
		}

	case reqPhaseSendRequest:
		if err := c.sendRequest(); err != nil {
			if c.fromPool && !c.retried {
				// Stale pooled connection: the server closed it while
				// idle. Reissue once on a fresh socket.
				c.reissueOnFreshSocket()
				break
			}
			return false, domain.WrapAbort(domain.ResultUnknownError, "request write failed", err)
		}
		c.deadline.Reset()
		c.phase = reqPhaseReadHeader

	case reqPhaseReadHeader:
		complete, err := c.readHeader()
		if err != nil {
			if c.fromPool && !c.retried && c.header.Len() == 0 {
				c.reissueOnFreshSocket()
				break
			}
			return false, domain.WrapAbort(domain.ResultUnknownError, "response read failed", err)
		}
		if complete {
			if abort := c.evaluateStatus(); abort != nil {
				_ = c.sock.Close()
				return false, abort
			}
			c.deadline.Reset()
			c.phase = reqPhaseReceiveBody
		} else if c.deadline.Elapsed(c.ioTimeout) {
			_ = c.sock.Close()
			return false, domain.NewAbort(domain.ResultTimeout,
				"response deadline exceeded for "+c.req.Host)
		}

	case reqPhaseReceiveBody:
		finished, err := c.receiveBody()
		if err != nil {
			return false, err
		}
		if finished {
			c.finish()
			return true, nil
		}
	}

	c.e.Enqueue(c)
	return false, nil
}

// requestTarget is origin-form normally and absolute-form when forwarding
// through a GET proxy.
func (c *HTTPRequestCommand) requestTarget() string {
	if c.proxy != nil {
		return c.req.URI
	}
	return c.req.Path
}

func (c *HTTPRequestCommand) sendRequest() error {
	conn := c.sock.Conn()
	if conn == nil {
		return fmt.Errorf("socket lost before request")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", c.requestTarget())
	fmt.Fprintf(&b, "Host: %s\r\n", c.req.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	b.WriteString("Accept: */*\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	b.WriteString("\r\n")

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write([]byte(b.String()))
	return err
}

func (c *HTTPRequestCommand) reissueOnFreshSocket() {
	c.retried = true
	c.fromPool = false
	_ = c.sock.Close()
	c.logger.Info("pooled connection stale, reconnecting",
		slog.Int64("cuid", c.CUID()),
		slog.String("host", c.req.Host),
	)
	c.sock = socket.NewWithTimeout(c.connectTimeout)
	addr := c.req.Host
	if c.peerAddr != "" {
		addr = c.peerAddr
	}
	c.sock.EstablishConnection(addr, c.req.Port)
	c.header.Reset()
	c.deadline.Reset()
	c.phase = reqPhaseWaitConnect
}

// readHeader accumulates whatever bytes are ready and reports whether the
// full header block has arrived.
func (c *HTTPRequestCommand) readHeader() (bool, error) {
	conn := c.sock.Conn()
	if conn == nil {
		return false, fmt.Errorf("socket closed while reading response")
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if n > 0 {
		c.header.Write(buf[:n])
	}
	if err != nil && !os.IsTimeout(err) {
		return false, err
	}
	return bytes.Contains(c.header.Bytes(), []byte(headerTerminator)), nil
}

// evaluateStatus parses the buffered header block, records transfer
// metadata, and moves any body bytes that arrived with the header into the
// piece accounting. A non-success status aborts the command.
func (c *HTTPRequestCommand) evaluateStatus() error {
	raw := c.header.Bytes()
	idx := bytes.Index(raw, []byte(headerTerminator))
	head := string(raw[:idx])
	body := raw[idx+len(headerTerminator):]

	lines := strings.Split(head, "\r\n")
	c.statusCode = parseStatusLine(lines[0])
	c.contentLength = -1
	c.keepAlive = true
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(name) {
		case "content-length":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				c.contentLength = n
			}
		case "connection":
			if strings.EqualFold(value, "close") {
				c.keepAlive = false
			}
		}
	}

	switch {
	case c.statusCode == 404:
		return domain.NewAbort(domain.ResultResourceNotFound,
			"server reported 404 for "+c.req.URI)
	case c.statusCode < 200 || c.statusCode >= 300:
		return domain.NewAbort(domain.ResultProtocolError,
			fmt.Sprintf("unexpected status %d for %s", c.statusCode, c.req.URI))
	}

	c.logger.Info("response received",
		slog.Int64("cuid", c.CUID()),
		slog.Int("status", c.statusCode),
		slog.Int64("contentLength", c.contentLength),
	)
	if len(body) > 0 {
		c.accountBody(body)
	}
	return nil
}

func parseStatusLine(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// receiveBody drains ready bytes under the download cap, reporting true once
// the payload is complete.
func (c *HTTPRequestCommand) receiveBody() (bool, error) {
	if c.bodyComplete() {
		return true, nil
	}
	if !c.Group().DownloadAllowance(readChunkSize) {
		// Over the bandwidth cap this tick; try again next time.
		return false, nil
	}
	conn := c.sock.Conn()
	if conn == nil {
		return false, domain.NewAbort(domain.ResultUnknownError, "socket closed mid-transfer")
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, readChunkSize)
	n, err := conn.Read(buf)
	if n > 0 {
		c.accountBody(buf[:n])
		c.deadline.Reset()
	}
	if err != nil {
		if os.IsTimeout(err) {
			if c.deadline.Elapsed(c.ioTimeout) {
				_ = c.sock.Close()
				return false, domain.NewAbort(domain.ResultTimeout,
					"read deadline exceeded for "+c.req.Host)
			}
			return false, nil
		}
		// EOF ends an unbounded transfer; anything short of the declared
		// length is an error.
		if c.contentLength < 0 {
			return true, nil
		}
		if c.bodyComplete() {
			return true, nil
		}
		return false, domain.WrapAbort(domain.ResultUnknownError, "transfer interrupted", err)
	}
	return c.bodyComplete(), nil
}

func (c *HTTPRequestCommand) bodyComplete() bool {
	return c.contentLength >= 0 && c.received >= c.contentLength
}

func (c *HTTPRequestCommand) accountBody(chunk []byte) {
	c.received += int64(len(chunk))
	c.Group().NotifyDownload(int64(len(chunk)))

	pieces := c.Group().PieceStorage()
	if pieces == nil {
		return
	}
	pieceLength := pieces.PieceLength()
	for int64(c.markedPieces+1)*pieceLength <= c.received {
		pieces.MarkPieceDone(c.markedPieces)
		c.markedPieces++
	}
	if c.received >= pieces.TotalLength() && pieces.TotalLength() > 0 {
		pieces.MarkPieceDone(c.markedPieces)
	}
}

// finish records success and donates a reusable connection back to the pool.
func (c *HTTPRequestCommand) finish() {
	c.Group().AddURIResult(c.req.URI, domain.ResultFinished)
	c.logger.Info("download finished",
		slog.Int64("cuid", c.CUID()),
		slog.String("uri", c.req.URI),
		slog.Int64("bytes", c.received),
	)
	if c.keepAlive && c.sock.State() == socket.StateConnected {
		switch {
		case c.viaTunnel:
			c.e.PushPooledTunnelSocket(c.sock, c.req.Host, c.req.Port)
		case c.peerAddr != "":
			c.e.PushPooledSocket(c.sock, c.peerAddr, c.req.Port)
		default:
			c.e.PushPooledSocket(c.sock, c.req.Host, c.req.Port)
		}
	} else {
		_ = c.sock.Close()
	}
}
