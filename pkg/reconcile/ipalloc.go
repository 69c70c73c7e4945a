package reconcile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

var errSubnetExhausted = errors.New("subnet exhausted")

// nextFreeAddress picks the lowest unused /32 inside the org subnet. The
// network address, the gateway (.1) and the broadcast address are reserved.
// Only IPv4 subnets can be carved up; anything else is an error the caller
// turns into a skip.
func nextFreeAddress(subnet string, used []string) (string, error) {
	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", fmt.Errorf("invalid org subnet %q: %w", subnet, err)
	}
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("org subnet %q is not IPv4", subnet)
	}
	base := ipToInt(ip4)
	ones, bits := ipNet.Mask.Size()
	last := base + (1 << uint(bits-ones)) - 1

	taken := make(map[uint32]bool, len(used))
	for _, u := range used {
		ip := strings.SplitN(u, "/", 2)[0]
		parsed := net.ParseIP(ip)
		if parsed == nil || parsed.To4() == nil {
			continue
		}
		taken[ipToInt(parsed.To4())] = true
	}

	for candidate := base + 2; candidate < last; candidate++ {
		if !taken[candidate] {
			return intToIP(candidate).String() + "/32", nil
		}
	}
	return "", fmt.Errorf("%w: %s", errSubnetExhausted, subnet)
}

func ipToInt(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip)
}

func intToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
