package httpdl

import (
	"log/slog"

	"downpour/internal/domain"
	"downpour/internal/engine"
	"downpour/internal/group"
	"downpour/internal/option"
	"downpour/internal/socket"
)

type initiatePhase int

const (
	initiatePhaseNeedDNS initiatePhase = iota
	initiatePhaseResolving
)

// InitiateConnectionCommand turns a source URI into an established transport
// and the appropriate follow-on command: resolve the endpoint (the proxy's
// when one is configured, the origin's otherwise), reuse or open a socket,
// and hand off to the protocol request command.
type InitiateConnectionCommand struct {
	engine.BaseCommand

	e        *engine.Engine
	logger   *slog.Logger
	req      *domain.Request
	proxy    *domain.Request
	resolver Resolver

	phase  initiatePhase
	lookup *Lookup
}

func NewInitiateConnectionCommand(
	cuid int64,
	g *group.Group,
	e *engine.Engine,
	req *domain.Request,
	proxy *domain.Request,
	resolver Resolver,
) *InitiateConnectionCommand {
	if resolver == nil {
		resolver = NetResolver{}
	}
	return &InitiateConnectionCommand{
		BaseCommand: engine.NewBaseCommand(cuid, g, req.URI),
		e:           e,
		logger:      g.Logger(),
		req:         req,
		proxy:       proxy,
		resolver:    resolver,
	}
}

// dialTarget is the endpoint whose addresses get resolved and dialed: the
// proxy when one is in play, the origin otherwise.
func (c *InitiateConnectionCommand) dialTarget() *domain.Request {
	if c.proxy != nil {
		return c.proxy
	}
	return c.req
}

func (c *InitiateConnectionCommand) Execute() (bool, error) {
	if c.Group().HaltRequested() {
		return true, nil
	}

	switch c.phase {
	case initiatePhaseNeedDNS:
		c.lookup = c.resolver.Lookup(c.dialTarget().Host)
		c.phase = initiatePhaseResolving
		c.e.Enqueue(c)
		return false, nil

	case initiatePhaseResolving:
		if !c.lookup.Ready() {
			c.e.Enqueue(c)
			return false, nil
		}
		addrs, err := c.lookup.Result()
		if err != nil || len(addrs) == 0 {
			return false, domain.WrapAbort(domain.ResultDNSFailure,
				"no address resolved for "+c.dialTarget().Host, err)
		}
		c.Group().RegisterServerHost(domain.ServerHost{ID: c.CUID(), Hostname: c.req.Host})
		next, err := c.CreateNextCommand(addrs, c.proxy)
		if err != nil {
			return false, err
		}
		c.e.Enqueue(next)
		return true, nil
	}
	return true, nil
}

// CreateNextCommand maps resolved addresses plus the optional proxy request
// to the follow-on command. Callers push the result onto the engine.
//
// With a proxy the socket pool is keyed on the origin endpoint, not the
// proxy address: a tunneled socket is logically a pipe to the origin. A pool
// hit skips connecting entirely; the pooled socket is known to be past any
// CONNECT handshake because tunnel donations are tagged at insertion.
func (c *InitiateConnectionCommand) CreateNextCommand(resolvedAddrs []string, proxy *domain.Request) (engine.Command, error) {
	if len(resolvedAddrs) == 0 {
		return nil, domain.NewAbort(domain.ResultDNSFailure, "empty resolved address list")
	}
	connectTimeout := c.Group().Option().GetDuration(option.KeyConnectTimeout)

	if proxy != nil {
		configured := domain.ProxyMethod(c.Group().Option().Get(option.KeyProxyMethod))
		method, err := domain.ResolveProxyMethod(c.req.Protocol, configured)
		if err != nil {
			return nil, err
		}

		if pooled := c.e.PopPooledSocket(c.req.Host, c.req.Port); pooled != nil {
			cmd := NewHTTPRequestCommand(c.CUID(), c.Group(), c.e, c.req, pooled)
			cmd.viaTunnel = true
			if method == domain.ProxyGet {
				cmd.proxy = proxy
				cmd.viaTunnel = false
			}
			return cmd, nil
		}

		c.logger.Info("connecting to server",
			slog.Int64("cuid", c.CUID()),
			slog.String("host", proxy.Host),
			slog.Int("port", proxy.Port),
		)
		sock := socket.NewWithTimeout(connectTimeout)
		sock.EstablishConnection(resolvedAddrs[0], proxy.Port)

		switch method {
		case domain.ProxyTunnel:
			return NewHTTPProxyRequestCommand(c.CUID(), c.Group(), c.e, c.req, proxy, sock), nil
		case domain.ProxyGet:
			cmd := NewHTTPRequestCommand(c.CUID(), c.Group(), c.e, c.req, sock)
			cmd.proxy = proxy
			return cmd, nil
		default:
			return nil, domain.NewAbort(domain.ResultProtocolError,
				"unusable proxy method "+string(method))
		}
	}

	sock, peerAddr := c.e.PopPooledSocketAny(resolvedAddrs, c.req.Port)
	if sock == nil {
		c.logger.Info("connecting to server",
			slog.Int64("cuid", c.CUID()),
			slog.String("host", c.req.Host),
			slog.Int("port", c.req.Port),
		)
		peerAddr = resolvedAddrs[0]
		sock = socket.NewWithTimeout(connectTimeout)
		sock.EstablishConnection(peerAddr, c.req.Port)
	}
	cmd := NewHTTPRequestCommand(c.CUID(), c.Group(), c.e, c.req, sock)
	cmd.peerAddr = peerAddr
	return cmd, nil
}
