package eip

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataforeman/connectivity/internal/domain"
)

func udpResponder(t *testing.T, reply []byte) int {
	t.Helper()
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 64)
		for {
			_, from, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteToUDP(reply, from)
		}
	}()
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func TestIdentify(t *testing.T) {
	port := udpResponder(t, listIdentityReply([4]byte{0, 0, 0, 0}, "1769-L33ER"))
	d := NewDiscovery()
	d.Port = port

	id, err := d.Identify(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", id.IPAddress)
	assert.Equal(t, "1769-L33ER", id.ProductName)
}

func TestIdentifyRejectsBadIP(t *testing.T) {
	_, err := NewDiscovery().Identify(context.Background(), "not-an-ip")
	assert.Equal(t, domain.CodeInvalid, domain.RequestCode(err))
}

func TestIdentifyTimesOut(t *testing.T) {
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer pc.Close()

	d := NewDiscovery()
	d.Port = pc.LocalAddr().(*net.UDPAddr).Port
	d.ListenWindow = 50 * time.Millisecond

	_, err = d.Identify(context.Background(), "127.0.0.1")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransient))
}

func rackResponder(t *testing.T, modules map[int]string) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		const session = 42
		for {
			pkt, err := readPacket(conn)
			if err != nil {
				return
			}
			h, body, err := decodePacket(pkt)
			if err != nil {
				return
			}
			switch h.Command {
			case cmdRegisterSession:
				_, _ = conn.Write(encodePacket(cmdRegisterSession, session, body))
			case cmdSendRRData:
				items, _ := decodeItems(body[6:])
				cip := items[1].Data
				slot := int(cip[len(cip)-1])
				if name, ok := modules[slot]; ok {
					_, _ = conn.Write(identityReplyPacket(session, 0, identityBytes(name)))
				} else {
					_, _ = conn.Write(identityReplyPacket(session, 0x01, nil))
				}
			case cmdUnregister:
				return
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRackConfiguration(t *testing.T) {
	port := rackResponder(t, map[int]string{0: "1756-L83E", 2: "1756-EN2T"})
	d := NewDiscovery()
	d.Port = port
	d.RackSlots = 4

	rack, err := d.RackConfiguration(context.Background(), "127.0.0.1", 0)
	require.NoError(t, err)
	assert.Equal(t, "1756-L83E", rack.Identity.ProductName)
	require.Len(t, rack.Modules, 2)
	assert.Equal(t, 0, rack.Modules[0].Slot)
	assert.Equal(t, 2, rack.Modules[1].Slot)
	assert.Equal(t, "1756-EN2T", rack.Modules[1].ProductName)
}

func TestRackConfigurationEmptySlot(t *testing.T) {
	port := rackResponder(t, map[int]string{0: "1756-L83E"})
	d := NewDiscovery()
	d.Port = port
	d.RackSlots = 3

	_, err := d.RackConfiguration(context.Background(), "127.0.0.1", 1)
	assert.Equal(t, domain.CodeNotFound, domain.RequestCode(err))
}

func TestRackConfigurationSlotRange(t *testing.T) {
	_, err := NewDiscovery().RackConfiguration(context.Background(), "127.0.0.1", 40)
	assert.Equal(t, domain.CodeInvalid, domain.RequestCode(err))
}
