package vehicle

import (
	"net"
	"strconv"
	"strings"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/juju/errors"
)

// ParseEndpoint converts connection string to gomavlib endpoint.
//
//	tcpout:host:port  tcp:host:port   TCP client
//	tcpin:host:port                   TCP server
//	udpin:host:port   udp:host:port   UDP server
//	udpout:host:port                  UDP client
//	udpbcast:host:port                UDP broadcast
//	serial:/dev/ttyX:baud             serial port
func ParseEndpoint(s string) (gomavlib.EndpointConf, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return nil, errors.NotValidf("connection string=%q", s)
	}

	switch strings.ToLower(scheme) {
	case "serial":
		i := strings.LastIndexByte(rest, ':')
		if i <= 0 {
			return nil, errors.NotValidf("serial connection string=%q expected serial:device:baud", s)
		}
		baud, err := strconv.Atoi(rest[i+1:])
		if err != nil || baud <= 0 {
			return nil, errors.NotValidf("serial baud=%q", rest[i+1:])
		}
		return gomavlib.EndpointSerial{Device: rest[:i], Baud: baud}, nil
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return nil, errors.Annotatef(err, "connection string=%q", s)
	}
	if port == "" {
		return nil, errors.NotValidf("connection string=%q without port", s)
	}
	address := net.JoinHostPort(host, port)

	switch strings.ToLower(scheme) {
	case "tcpout", "tcp":
		return gomavlib.EndpointTCPClient{Address: address}, nil
	case "tcpin":
		return gomavlib.EndpointTCPServer{Address: address}, nil
	case "udpin", "udp":
		return gomavlib.EndpointUDPServer{Address: address}, nil
	case "udpout":
		return gomavlib.EndpointUDPClient{Address: address}, nil
	case "udpbcast":
		return gomavlib.EndpointUDPBroadcast{BroadcastAddress: address, LocalAddress: ":" + port}, nil
	}
	return nil, errors.NotSupportedf("connection scheme=%s", scheme)
}
