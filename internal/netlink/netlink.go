// Package netlink joins the kernel's TCM-USER generic-netlink family and
// turns ADDED_DEVICE/REMOVED_DEVICE multicast notifications into Event
// values the event loop can act on.
package netlink

import (
	"fmt"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"

	"github.com/behrlich/go-tcmu-target/internal/logging"
)

const (
	familyName = "TCM-USER"
	groupName  = "config"
)

// Generic netlink command and attribute IDs for the TCM-USER family, per
// the kernel's target_core_user.h.
const (
	cmdAddedDevice   = 1
	cmdRemovedDevice = 2

	attrMinor = 2
)

// Event is one decoded device-add or device-remove notification.
type Event struct {
	Added bool // false means removed
	Name  string
}

// Client wraps a generic-netlink connection joined to the TCM-USER/config
// multicast group.
type Client struct {
	conn   *genetlink.Conn
	logger *logging.Logger
}

// Dial opens a generic-netlink connection, resolves the TCM-USER family,
// and joins its "config" multicast group. Failure here is setup-fatal.
func Dial(logger *logging.Logger) (*Client, error) {
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("netlink: dial: %w", err)
	}

	family, err := conn.GetFamily(familyName)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("netlink: resolve family %q: %w", familyName, err)
	}

	var groupID uint32
	found := false
	for _, g := range family.Groups {
		if g.Name == groupName {
			groupID = g.ID
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("netlink: family %q has no multicast group %q", familyName, groupName)
	}

	if err := conn.JoinGroup(groupID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netlink: join group %q: %w", groupName, err)
	}

	return &Client{conn: conn, logger: logger}, nil
}

// FD returns the underlying netlink socket's file descriptor, for the
// event loop's poll set.
func (c *Client) FD() (int, error) {
	f, err := c.conn.File()
	if err != nil {
		return 0, fmt.Errorf("netlink: get socket file: %w", err)
	}
	return int(f.Fd()), nil
}

// Close releases the netlink connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ReceiveOne parses exactly one pending generic-netlink message into an
// Event. A malformed or unrecognized message is logged and dropped — it
// returns a nil Event and a nil error, per spec.md's "ignorable" error
// class for netlink attribute parsing.
func (c *Client) ReceiveOne() (*Event, error) {
	msgs, _, err := c.conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("netlink: receive: %w", err)
	}

	for _, msg := range msgs {
		ev, ok := c.decode(msg)
		if ok {
			return ev, nil
		}
	}
	return nil, nil
}

func (c *Client) decode(msg genetlink.Message) (*Event, bool) {
	var added bool
	switch msg.Header.Command {
	case cmdAddedDevice:
		added = true
	case cmdRemovedDevice:
		added = false
	default:
		return nil, false
	}

	ad, err := netlink.NewAttributeDecoder(msg.Data)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("netlink: failed to decode attributes", "error", err)
		}
		return nil, false
	}

	var minor uint32
	haveMinor := false
	for ad.Next() {
		if ad.Type() == attrMinor {
			minor = ad.Uint32()
			haveMinor = true
		}
	}
	if err := ad.Err(); err != nil {
		if c.logger != nil {
			c.logger.Warn("netlink: attribute decode error", "error", err)
		}
		return nil, false
	}
	if !haveMinor {
		if c.logger != nil {
			c.logger.Warn("netlink: message missing MINOR attribute, dropping")
		}
		return nil, false
	}

	return &Event{Added: added, Name: fmt.Sprintf("uio%d", minor)}, true
}
