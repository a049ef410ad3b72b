package core

import (
	"net"
	"strconv"
)

// hostPort formats a dnscache.Candidate's address for dialing.
func hostPort(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}
