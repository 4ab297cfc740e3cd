package eip

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityBytes(name string) []byte {
	b := bytes.NewBuffer(nil)
	_ = binary.Write(b, binary.LittleEndian, uint16(1))      // vendor
	_ = binary.Write(b, binary.LittleEndian, uint16(14))     // device type
	_ = binary.Write(b, binary.LittleEndian, uint16(166))    // product code
	b.Write([]byte{32, 11})                                  // revision
	_ = binary.Write(b, binary.LittleEndian, uint16(0x3060)) // status
	_ = binary.Write(b, binary.LittleEndian, uint32(0xC0FFEE01))
	b.WriteByte(byte(len(name)))
	b.WriteString(name)
	return b.Bytes()
}

func listIdentityReply(ip [4]byte, name string) []byte {
	item := bytes.NewBuffer(nil)
	_ = binary.Write(item, binary.LittleEndian, uint16(1))
	sa := make([]byte, 16)
	binary.BigEndian.PutUint16(sa[0:], 2)
	binary.BigEndian.PutUint16(sa[2:], DefaultPort)
	copy(sa[4:8], ip[:])
	item.Write(sa)
	item.Write(identityBytes(name))
	item.WriteByte(3) // state

	data := bytes.NewBuffer(nil)
	_ = binary.Write(data, binary.LittleEndian, uint16(1))
	_ = binary.Write(data, binary.LittleEndian, itemIdentity)
	_ = binary.Write(data, binary.LittleEndian, uint16(item.Len()))
	data.Write(item.Bytes())
	return encodePacket(cmdListIdentity, 0, data.Bytes())
}

func identityReplyPacket(session uint32, status byte, payload []byte) []byte {
	cip := []byte{0x81, 0x00, status, 0x00}
	cip = append(cip, payload...)

	data := bytes.NewBuffer(nil)
	_ = binary.Write(data, binary.LittleEndian, uint32(0))
	_ = binary.Write(data, binary.LittleEndian, uint16(0))
	_ = binary.Write(data, binary.LittleEndian, uint16(2))
	_ = binary.Write(data, binary.LittleEndian, itemNullAddress)
	_ = binary.Write(data, binary.LittleEndian, uint16(0))
	_ = binary.Write(data, binary.LittleEndian, itemUnconnected)
	_ = binary.Write(data, binary.LittleEndian, uint16(len(cip)))
	data.Write(cip)
	return encodePacket(cmdSendRRData, session, data.Bytes())
}

func TestParseListIdentity(t *testing.T) {
	pkt := listIdentityReply([4]byte{192, 168, 1, 20}, "1756-L83E/B")

	ids, err := parseListIdentity(pkt)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	id := ids[0]
	assert.Equal(t, "192.168.1.20", id.IPAddress)
	assert.Equal(t, uint16(1), id.VendorID)
	assert.Equal(t, uint16(14), id.DeviceType)
	assert.Equal(t, uint16(166), id.ProductCode)
	assert.Equal(t, "32.11", id.Revision)
	assert.Equal(t, "0xC0FFEE01", id.SerialNumber)
	assert.Equal(t, "1756-L83E/B", id.ProductName)
	assert.Equal(t, uint8(3), id.State)
}

func TestParseListIdentityRejectsTruncated(t *testing.T) {
	pkt := listIdentityReply([4]byte{10, 0, 0, 1}, "PLC")
	_, err := parseListIdentity(pkt[:len(pkt)-8])
	assert.Error(t, err)

	_, err = parseListIdentity(pkt[:10])
	assert.ErrorIs(t, err, errShortPacket)
}

func TestDecodePacketStatus(t *testing.T) {
	pkt := encodePacket(cmdListIdentity, 0, nil)
	binary.LittleEndian.PutUint32(pkt[8:], 0x65)
	_, _, err := decodePacket(pkt)
	assert.ErrorContains(t, err, "encapsulation status")
}

func TestIdentityRequestLayout(t *testing.T) {
	pkt := identityRequest(0xAABBCCDD, 3)
	h, body, err := decodePacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, cmdSendRRData, h.Command)
	assert.Equal(t, uint32(0xAABBCCDD), h.Session)

	items, err := decodeItems(body[6:])
	require.NoError(t, err)
	require.Len(t, items, 2)
	cip := items[1].Data
	assert.Equal(t, serviceUnconnectedSend, cip[0])
	// route path: port 1, slot 3
	assert.Equal(t, []byte{0x01, 0x00, 0x01, 0x03}, cip[len(cip)-4:])
}

func TestParseIdentityReply(t *testing.T) {
	id, err := parseIdentityReply(identityReplyPacket(7, 0, identityBytes("1756-EN2T")))
	require.NoError(t, err)
	assert.Equal(t, "1756-EN2T", id.ProductName)

	_, err = parseIdentityReply(identityReplyPacket(7, 0x05, nil))
	var cipErr *cipStatusError
	require.ErrorAs(t, err, &cipErr)
	assert.Equal(t, byte(0x05), cipErr.Status)
}
