//go:build !linux

package broker

import (
	"errors"
	"net"
)

func peerCredentials(*net.UnixConn) (Peer, error) {
	return Peer{}, errors.New("peer credentials are not supported on this platform")
}
