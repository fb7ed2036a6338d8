package httpdl

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"downpour/internal/clock"
	"downpour/internal/domain"
	"downpour/internal/engine"
	"downpour/internal/group"
	"downpour/internal/option"
	"downpour/internal/socket"
)

type proxyPhase int

const (
	proxyPhaseWaitConnect proxyPhase = iota
	proxyPhaseSendConnect
	proxyPhaseReadStatus
)

// HTTPProxyRequestCommand establishes a CONNECT tunnel through an HTTP
// proxy. On a 2xx answer it hands the now-plain socket to an
// HTTPRequestCommand; any other answer is a protocol error.
type HTTPProxyRequestCommand struct {
	engine.BaseCommand

	e      *engine.Engine
	logger *slog.Logger
	req    *domain.Request
	proxy  *domain.Request
	sock   *socket.Socket

	phase          proxyPhase
	deadline       *clock.Checkpoint
	connectTimeout time.Duration
	ioTimeout      time.Duration
	response       bytes.Buffer
}

func NewHTTPProxyRequestCommand(
	cuid int64,
	g *group.Group,
	e *engine.Engine,
	req *domain.Request,
	proxy *domain.Request,
	sock *socket.Socket,
) *HTTPProxyRequestCommand {
	ioTimeout := g.Option().GetDuration(option.KeyTimeout)
	if ioTimeout <= 0 {
		ioTimeout = defaultIOTimeout
	}
	connectTimeout := g.Option().GetDuration(option.KeyConnectTimeout)
	if connectTimeout <= 0 {
		connectTimeout = defaultIOTimeout
	}
	return &HTTPProxyRequestCommand{
		BaseCommand:    engine.NewBaseCommand(cuid, g, req.URI),
		e:              e,
		logger:         g.Logger(),
		req:            req,
		proxy:          proxy,
		sock:           sock,
		deadline:       clock.NewCheckpoint(clock.Real{}),
		connectTimeout: connectTimeout,
		ioTimeout:      ioTimeout,
	}
}

func (c *HTTPProxyRequestCommand) Execute() (bool, error) {
	if c.Group().HaltRequested() {
		_ = c.sock.Close()
		return true, nil
	}

	switch c.phase {
	case proxyPhaseWaitConnect:
		switch c.sock.State() {
		case socket.StateConnected:
			c.deadline.Reset()
			c.phase = proxyPhaseSendConnect
		case socket.StateClosed:
			return false, domain.WrapAbort(domain.ResultConnectTimeout,
				"connect to proxy "+c.proxy.Host+" failed", c.sock.Err())
		default:
			if c.deadline.Elapsed(c.connectTimeout) {
				_ = c.sock.Close()
				return false, domain.NewAbort(domain.ResultConnectTimeout,
					"proxy connect deadline exceeded for "+c.proxy.Host)
			}
		}

	case proxyPhaseSendConnect:
		if err := c.sendConnect(); err != nil {
			return false, domain.WrapAbort(domain.ResultUnknownError, "CONNECT write failed", err)
		}
		c.deadline.Reset()
		c.phase = proxyPhaseReadStatus

	case proxyPhaseReadStatus:
		complete, err := c.readStatus()
		if err != nil {
			return false, domain.WrapAbort(domain.ResultUnknownError, "CONNECT response read failed", err)
		}
		if complete {
			status := parseStatusLine(strings.SplitN(c.response.String(), "\r\n", 2)[0])
			if status < 200 || status >= 300 {
				_ = c.sock.Close()
				return false, domain.NewAbort(domain.ResultProtocolError,
					fmt.Sprintf("proxy refused CONNECT with status %d", status))
			}
			c.logger.Info("proxy tunnel established",
				slog.Int64("cuid", c.CUID()),
				slog.String("origin", c.req.Host),
			)
			next := NewHTTPRequestCommand(c.CUID(), c.Group(), c.e, c.req, c.sock)
			next.viaTunnel = true
			c.e.Enqueue(next)
			return true, nil
		}
		if c.deadline.Elapsed(c.ioTimeout) {
			_ = c.sock.Close()
			return false, domain.NewAbort(domain.ResultTimeout,
				"proxy response deadline exceeded for "+c.proxy.Host)
		}
	}

	c.e.Enqueue(c)
	return false, nil
}

func (c *HTTPProxyRequestCommand) sendConnect() error {
	conn := c.sock.Conn()
	if conn == nil {
		return fmt.Errorf("socket lost before CONNECT")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s:%d HTTP/1.1\r\n", c.req.Host, c.req.Port)
	fmt.Fprintf(&b, "Host: %s:%d\r\n", c.req.Host, c.req.Port)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	b.WriteString("\r\n")

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write([]byte(b.String()))
	return err
}

func (c *HTTPProxyRequestCommand) readStatus() (bool, error) {
	conn := c.sock.Conn()
	if conn == nil {
		return false, fmt.Errorf("socket closed while awaiting CONNECT response")
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if n > 0 {
		c.response.Write(buf[:n])
	}
	if err != nil && !os.IsTimeout(err) {
		return false, err
	}
	return bytes.Contains(c.response.Bytes(), []byte(headerTerminator)), nil
}
