package netlink

import (
	"testing"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

func encodeMinorAttr(t *testing.T, minor uint32) []byte {
	t.Helper()
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(attrMinor, minor)
	b, err := ae.Encode()
	if err != nil {
		t.Fatalf("encode attributes: %v", err)
	}
	return b
}

func TestDecodeAddedDevice(t *testing.T) {
	c := &Client{}
	msg := genetlink.Message{
		Header: genetlink.Header{Command: cmdAddedDevice},
		Data:   encodeMinorAttr(t, 7),
	}
	ev, ok := c.decode(msg)
	if !ok {
		t.Fatal("decode returned ok=false for valid ADDED_DEVICE message")
	}
	if !ev.Added || ev.Name != "uio7" {
		t.Errorf("decode = %+v, want {Added:true Name:uio7}", ev)
	}
}

func TestDecodeRemovedDevice(t *testing.T) {
	c := &Client{}
	msg := genetlink.Message{
		Header: genetlink.Header{Command: cmdRemovedDevice},
		Data:   encodeMinorAttr(t, 12),
	}
	ev, ok := c.decode(msg)
	if !ok {
		t.Fatal("decode returned ok=false for valid REMOVED_DEVICE message")
	}
	if ev.Added || ev.Name != "uio12" {
		t.Errorf("decode = %+v, want {Added:false Name:uio12}", ev)
	}
}

func TestDecodeMissingMinorIsDropped(t *testing.T) {
	c := &Client{}
	ae := netlink.NewAttributeEncoder()
	ae.String(1, "irrelevant")
	data, err := ae.Encode()
	if err != nil {
		t.Fatal(err)
	}
	msg := genetlink.Message{Header: genetlink.Header{Command: cmdAddedDevice}, Data: data}
	if _, ok := c.decode(msg); ok {
		t.Fatal("expected decode to drop a message with no MINOR attribute")
	}
}

func TestDecodeUnknownCommandIsDropped(t *testing.T) {
	c := &Client{}
	msg := genetlink.Message{
		Header: genetlink.Header{Command: 99},
		Data:   encodeMinorAttr(t, 1),
	}
	if _, ok := c.decode(msg); ok {
		t.Fatal("expected decode to drop an unrecognized command")
	}
}
