package eip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
)

// DefaultRackSlots is how many backplane slots a rack scan probes.
const DefaultRackSlots = 17

// Discovery answers session-less introspection requests for one request.
type Discovery struct {
	Port         int
	ListenWindow time.Duration
	SlotTimeout  time.Duration
	RackSlots    int

	logger zerolog.Logger
}

// NewDiscovery returns a discovery helper with protocol defaults.
func NewDiscovery() *Discovery {
	return &Discovery{
		Port:         DefaultPort,
		ListenWindow: 2 * time.Second,
		SlotTimeout:  750 * time.Millisecond,
		RackSlots:    DefaultRackSlots,
		logger:       log.WithComponent("eip-discovery"),
	}
}

// Discover broadcasts ListIdentity and collects replies until the listen
// window or ctx ends. Duplicate replies from one address are merged.
func (d *Discovery) Discover(ctx context.Context, broadcastAddr string) ([]domain.DeviceIdentity, error) {
	if broadcastAddr == "" {
		broadcastAddr = "255.255.255.255"
	}
	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(broadcastAddr, strconv.Itoa(d.Port)))
	if err != nil {
		return nil, domain.RequestErr(domain.CodeInvalid, "broadcast address %q: %w", broadcastAddr, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, domain.Transient("listen udp", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(d.ListenWindow)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.WriteToUDP(encodePacket(cmdListIdentity, 0, nil), dst); err != nil {
		return nil, domain.Transient("send list identity", err)
	}

	seen := make(map[string]int)
	var out []domain.DeviceIdentity
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return out, domain.Transient("read list identity", err)
		}
		ids, err := parseListIdentity(buf[:n])
		if err != nil {
			d.logger.Debug().Err(err).Str("from", from.String()).Msg("ignoring malformed identity reply")
			continue
		}
		for _, id := range ids {
			if id.IPAddress == "0.0.0.0" || id.IPAddress == "" {
				id.IPAddress = from.IP.String()
			}
			if i, dup := seen[id.IPAddress]; dup {
				out[i] = id
				continue
			}
			seen[id.IPAddress] = len(out)
			out = append(out, id)
		}
	}
	d.logger.Info().Str("broadcast", broadcastAddr).Int("devices", len(out)).Msg("discovery finished")
	return out, nil
}

// Identify sends a unicast ListIdentity to ip.
func (d *Discovery) Identify(ctx context.Context, ip string) (domain.DeviceIdentity, error) {
	if net.ParseIP(ip) == nil {
		return domain.DeviceIdentity{}, domain.RequestErr(domain.CodeInvalid, "invalid ip_address %q", ip)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp4", net.JoinHostPort(ip, strconv.Itoa(d.Port)))
	if err != nil {
		return domain.DeviceIdentity{}, domain.Transient("dial "+ip, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(d.deadline(ctx, d.ListenWindow))

	if _, err := conn.Write(encodePacket(cmdListIdentity, 0, nil)); err != nil {
		return domain.DeviceIdentity{}, domain.Transient("send list identity", err)
	}
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return domain.DeviceIdentity{}, domain.Transient("identify "+ip, err)
	}
	ids, err := parseListIdentity(buf[:n])
	if err != nil {
		return domain.DeviceIdentity{}, domain.Transient("identify "+ip, err)
	}
	if len(ids) == 0 {
		return domain.DeviceIdentity{}, domain.RequestErr(domain.CodeNotFound, "no identity from %s", ip)
	}
	id := ids[0]
	id.IPAddress = ip
	return id, nil
}

// RackConfiguration identifies the module at slot and scans the backplane
// for every populated slot over one TCP session.
func (d *Discovery) RackConfiguration(ctx context.Context, ip string, slot int) (domain.RackConfiguration, error) {
	if net.ParseIP(ip) == nil {
		return domain.RackConfiguration{}, domain.RequestErr(domain.CodeInvalid, "invalid ip_address %q", ip)
	}
	if slot < 0 || slot >= d.RackSlots {
		return domain.RackConfiguration{}, domain.RequestErr(domain.CodeInvalid, "slot %d out of range", slot)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip, strconv.Itoa(d.Port)))
	if err != nil {
		return domain.RackConfiguration{}, domain.Transient("dial "+ip, err)
	}
	defer conn.Close()

	session, err := d.register(ctx, conn)
	if err != nil {
		return domain.RackConfiguration{}, domain.Transient("register session", err)
	}
	defer func() {
		_, _ = conn.Write(encodePacket(cmdUnregister, session, nil))
	}()

	rack := domain.RackConfiguration{IPAddress: ip, Slot: slot, Modules: []domain.RackModule{}}
scan:
	for s := 0; s < d.RackSlots && ctx.Err() == nil; s++ {
		id, err := d.identifySlot(ctx, conn, session, s)
		if err != nil {
			var cipErr *cipStatusError
			var ne net.Error
			switch {
			case errors.As(err, &cipErr):
				continue
			case errors.As(err, &ne) && ne.Timeout():
				// a late reply would desynchronize the stream
				d.logger.Debug().Int("slot", s).Msg("rack scan stopped on timeout")
				break scan
			default:
				return rack, domain.Transient(fmt.Sprintf("identify slot %d", s), err)
			}
		}
		id.IPAddress = ip
		if s == slot {
			rack.Identity = id
		}
		rack.Modules = append(rack.Modules, domain.RackModule{
			Slot:        s,
			ProductName: id.ProductName,
			ProductCode: id.ProductCode,
			Revision:    id.Revision,
			Serial:      id.SerialNumber,
		})
	}
	if rack.Identity.ProductName == "" && rack.Identity.VendorID == 0 {
		return rack, domain.RequestErr(domain.CodeNotFound, "no module in slot %d", slot)
	}
	return rack, nil
}

func (d *Discovery) register(ctx context.Context, conn net.Conn) (uint32, error) {
	_ = conn.SetDeadline(d.deadline(ctx, d.ListenWindow))
	if _, err := conn.Write(registerSessionRequest()); err != nil {
		return 0, err
	}
	pkt, err := readPacket(conn)
	if err != nil {
		return 0, err
	}
	h, _, err := decodePacket(pkt)
	if err != nil {
		return 0, err
	}
	if h.Session == 0 {
		return 0, errors.New("eip: device refused session")
	}
	return h.Session, nil
}

func (d *Discovery) identifySlot(ctx context.Context, conn net.Conn, session uint32, slot int) (domain.DeviceIdentity, error) {
	_ = conn.SetDeadline(d.deadline(ctx, d.SlotTimeout))
	if _, err := conn.Write(identityRequest(session, slot)); err != nil {
		return domain.DeviceIdentity{}, err
	}
	pkt, err := readPacket(conn)
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	return parseIdentityReply(pkt)
}

func (d *Discovery) deadline(ctx context.Context, window time.Duration) time.Time {
	dl := time.Now().Add(window)
	if ctxDl, ok := ctx.Deadline(); ok && ctxDl.Before(dl) {
		return ctxDl
	}
	return dl
}

// readPacket reads one length-delimited encapsulation packet from a stream.
func readPacket(r io.Reader) ([]byte, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := int(hdr[2]) | int(hdr[3])<<8
	pkt := make([]byte, headerLen+n)
	copy(pkt, hdr)
	if _, err := io.ReadFull(r, pkt[headerLen:]); err != nil {
		return nil, err
	}
	return pkt, nil
}

var _ ports.DeviceDiscovery = (*Discovery)(nil)
