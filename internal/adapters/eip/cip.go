package eip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dataforeman/connectivity/internal/domain"
)

// EtherNet/IP encapsulation commands.
const (
	cmdListIdentity    uint16 = 0x0063
	cmdRegisterSession uint16 = 0x0065
	cmdUnregister      uint16 = 0x0066
	cmdSendRRData      uint16 = 0x006F

	itemNullAddress uint16 = 0x0000
	itemIdentity    uint16 = 0x000C
	itemUnconnected uint16 = 0x00B2

	serviceGetAttributesAll byte = 0x01
	serviceUnconnectedSend  byte = 0x52

	headerLen   = 24
	DefaultPort = 44818
)

var errShortPacket = errors.New("eip: short packet")

type header struct {
	Command uint16
	Length  uint16
	Session uint32
	Status  uint32
	Context [8]byte
	Options uint32
}

func encodePacket(cmd uint16, session uint32, data []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, headerLen+len(data)))
	h := header{Command: cmd, Length: uint16(len(data)), Session: session}
	copy(h.Context[:], "dfconn")
	_ = binary.Write(buf, binary.LittleEndian, h)
	buf.Write(data)
	return buf.Bytes()
}

func decodePacket(b []byte) (header, []byte, error) {
	var h header
	if len(b) < headerLen {
		return h, nil, errShortPacket
	}
	if err := binary.Read(bytes.NewReader(b[:headerLen]), binary.LittleEndian, &h); err != nil {
		return h, nil, err
	}
	if h.Status != 0 {
		return h, nil, fmt.Errorf("eip: encapsulation status 0x%08x", h.Status)
	}
	body := b[headerLen:]
	if int(h.Length) > len(body) {
		return h, nil, errShortPacket
	}
	return h, body[:h.Length], nil
}

type cpfItem struct {
	Type uint16
	Data []byte
}

func decodeItems(b []byte) ([]cpfItem, error) {
	if len(b) < 2 {
		return nil, errShortPacket
	}
	count := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	items := make([]cpfItem, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < 4 {
			return nil, errShortPacket
		}
		typ := binary.LittleEndian.Uint16(b)
		n := int(binary.LittleEndian.Uint16(b[2:]))
		if len(b) < 4+n {
			return nil, errShortPacket
		}
		items = append(items, cpfItem{Type: typ, Data: b[4 : 4+n]})
		b = b[4+n:]
	}
	return items, nil
}

// parseListIdentity decodes a ListIdentity reply into device identities.
func parseListIdentity(pkt []byte) ([]domain.DeviceIdentity, error) {
	h, body, err := decodePacket(pkt)
	if err != nil {
		return nil, err
	}
	if h.Command != cmdListIdentity {
		return nil, fmt.Errorf("eip: unexpected command 0x%04x", h.Command)
	}
	items, err := decodeItems(body)
	if err != nil {
		return nil, err
	}
	var out []domain.DeviceIdentity
	for _, it := range items {
		if it.Type != itemIdentity {
			continue
		}
		// protocol version (2) + sockaddr (16)
		if len(it.Data) < 18 {
			return nil, errShortPacket
		}
		sa := it.Data[2:18]
		id, rest, err := parseIdentity(it.Data[18:])
		if err != nil {
			return nil, err
		}
		id.IPAddress = fmt.Sprintf("%d.%d.%d.%d", sa[4], sa[5], sa[6], sa[7])
		if len(rest) > 0 {
			id.State = rest[0]
		}
		out = append(out, id)
	}
	return out, nil
}

// parseIdentity decodes the identity object attribute layout shared by
// ListIdentity and Get_Attributes_All.
func parseIdentity(b []byte) (domain.DeviceIdentity, []byte, error) {
	var id domain.DeviceIdentity
	if len(b) < 15 {
		return id, nil, errShortPacket
	}
	id.VendorID = binary.LittleEndian.Uint16(b[0:])
	id.DeviceType = binary.LittleEndian.Uint16(b[2:])
	id.ProductCode = binary.LittleEndian.Uint16(b[4:])
	id.Revision = fmt.Sprintf("%d.%d", b[6], b[7])
	id.Status = binary.LittleEndian.Uint16(b[8:])
	id.SerialNumber = fmt.Sprintf("0x%08X", binary.LittleEndian.Uint32(b[10:]))
	n := int(b[14])
	if len(b) < 15+n {
		return id, nil, errShortPacket
	}
	id.ProductName = string(b[15 : 15+n])
	return id, b[15+n:], nil
}

func registerSessionRequest() []byte {
	return encodePacket(cmdRegisterSession, 0, []byte{0x01, 0x00, 0x00, 0x00})
}

// identityRequest builds an Unconnected Send that routes Get_Attributes_All on
// the identity object through backplane port 1 to slot.
func identityRequest(session uint32, slot int) []byte {
	embedded := []byte{serviceGetAttributesAll, 0x02, 0x20, 0x01, 0x24, 0x01}

	cip := bytes.NewBuffer(nil)
	cip.Write([]byte{serviceUnconnectedSend, 0x02, 0x20, 0x06, 0x24, 0x01})
	cip.Write([]byte{0x0A, 0x0E}) // priority/tick, timeout ticks
	_ = binary.Write(cip, binary.LittleEndian, uint16(len(embedded)))
	cip.Write(embedded)
	if len(embedded)%2 == 1 {
		cip.WriteByte(0)
	}
	cip.Write([]byte{0x01, 0x00, 0x01, byte(slot)})

	data := bytes.NewBuffer(nil)
	_ = binary.Write(data, binary.LittleEndian, uint32(0)) // interface handle
	_ = binary.Write(data, binary.LittleEndian, uint16(5)) // timeout seconds
	_ = binary.Write(data, binary.LittleEndian, uint16(2))
	_ = binary.Write(data, binary.LittleEndian, itemNullAddress)
	_ = binary.Write(data, binary.LittleEndian, uint16(0))
	_ = binary.Write(data, binary.LittleEndian, itemUnconnected)
	_ = binary.Write(data, binary.LittleEndian, uint16(cip.Len()))
	data.Write(cip.Bytes())

	return encodePacket(cmdSendRRData, session, data.Bytes())
}

// parseIdentityReply extracts the identity from a SendRRData reply.
func parseIdentityReply(pkt []byte) (domain.DeviceIdentity, error) {
	h, body, err := decodePacket(pkt)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	if h.Command != cmdSendRRData {
		return domain.DeviceIdentity{}, fmt.Errorf("eip: unexpected command 0x%04x", h.Command)
	}
	// interface handle (4) + timeout (2)
	if len(body) < 6 {
		return domain.DeviceIdentity{}, errShortPacket
	}
	items, err := decodeItems(body[6:])
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	for _, it := range items {
		if it.Type != itemUnconnected {
			continue
		}
		d := it.Data
		if len(d) < 4 {
			return domain.DeviceIdentity{}, errShortPacket
		}
		if status := d[2]; status != 0 {
			return domain.DeviceIdentity{}, &cipStatusError{Status: status}
		}
		extra := int(d[3]) * 2
		if len(d) < 4+extra {
			return domain.DeviceIdentity{}, errShortPacket
		}
		id, _, err := parseIdentity(d[4+extra:])
		return id, err
	}
	return domain.DeviceIdentity{}, errors.New("eip: reply carries no unconnected data item")
}

type cipStatusError struct {
	Status byte
}

func (e *cipStatusError) Error() string {
	return fmt.Sprintf("eip: CIP general status 0x%02x", e.Status)
}
