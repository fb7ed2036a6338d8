package domain

import (
	"fmt"
	"net"
	"strconv"
)

// Peer is a remote BitTorrent endpoint offering piece exchange. UsedBy holds
// the cuid of the command currently driving the connection; zero means the
// peer is in the unused pool.
type Peer struct {
	IPAddr string
	Port   int
	UsedBy int64
}

func (p *Peer) Addr() string {
	return net.JoinHostPort(p.IPAddr, strconv.Itoa(p.Port))
}

func (p *Peer) InUse() bool { return p.UsedBy != 0 }

func (p *Peer) String() string {
	return fmt.Sprintf("peer %s", p.Addr())
}
