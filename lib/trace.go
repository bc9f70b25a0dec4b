package lib

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const traceSnapLen = 65536

// Tracer appends every datagram the transport sends or receives to a pcap
// file, wrapped in synthesized IP and UDP headers so that packet analyzers
// can dissect the JSON payloads.
type Tracer struct {
	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
	now    func() time.Time
}

func NewTracer(path string) (*Tracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(traceSnapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Tracer{file: f, writer: w, now: time.Now}, nil
}

// Record appends one datagram from src to dst. Errors are returned but the
// transport ignores them; a broken trace must not break traffic.
func (tr *Tracer) Record(src, dst *net.UDPAddr, payload []byte) error {
	frame, err := synthesizeFrame(src, dst, payload)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.file == nil {
		return os.ErrClosed
	}
	return tr.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     tr.now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

func (tr *Tracer) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.file == nil {
		return nil
	}
	err := tr.file.Close()
	tr.file = nil
	return err
}

func synthesizeFrame(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	srcIP, dstIP := traceIP(src, dst), traceIP(dst, src)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}

	var network gopacket.SerializableLayer
	if v4src, v4dst := srcIP.To4(), dstIP.To4(); v4src != nil && v4dst != nil {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    v4src,
			DstIP:    v4dst,
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      srcIP.To16(),
			DstIP:      dstIP.To16(),
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize trace frame: %w", err)
	}
	return buf.Bytes(), nil
}

// traceIP returns addr's IP, or the unspecified address of peer's family when
// the socket is bound to all interfaces.
func traceIP(addr, peer *net.UDPAddr) net.IP {
	if addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.IP
	}
	if peer.IP == nil || peer.IP.To4() != nil {
		return net.IPv4zero
	}
	return net.IPv6unspecified
}
