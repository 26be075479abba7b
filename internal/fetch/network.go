package fetch

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// ErrNoDefaultRoute means the host has no route to the outside world.
var ErrNoDefaultRoute = errors.New("no default route")

// Route describes the default route that was found.
type Route struct {
	Interface string
	Gateway   net.IP
}

// NetworkCheck looks for a default route before anything is fetched.
type NetworkCheck struct {
	listRoutes func() ([]netlink.Route, error)
	linkName   func(index int) (string, error)
}

// DefaultRoute returns the first default route of any address family.
func (n NetworkCheck) DefaultRoute() (Route, error) {
	list := n.listRoutes
	if list == nil {
		list = func() ([]netlink.Route, error) {
			return netlink.RouteList(nil, netlink.FAMILY_ALL)
		}
	}
	routes, err := list()
	if err != nil {
		return Route{}, fmt.Errorf("list routes: %w", err)
	}

	for _, r := range routes {
		if !isDefault(r.Dst) {
			continue
		}
		route := Route{Gateway: r.Gw}
		if name, err := n.interfaceName(r.LinkIndex); err == nil {
			route.Interface = name
		}
		return route, nil
	}
	return Route{}, ErrNoDefaultRoute
}

func (n NetworkCheck) interfaceName(index int) (string, error) {
	if n.linkName != nil {
		return n.linkName(index)
	}
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return "", err
	}
	return link.Attrs().Name, nil
}

func isDefault(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0
}
