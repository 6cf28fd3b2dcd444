package main

import (
	"log"
	"net"
	"sync"
	"time"
)

// Protocol 1 (Metis/Hermes legacy) constants, per spec.md §4.E.
const (
	protocol1Port = 1024

	protocol1DiscoverySize = 63 // discovery request, as sent by legacy hosts
	protocol1ResponseSize  = 60
	protocol1ControlSize   = 1024 // host->radio control packet
	protocol1DataSize      = 1032 // radio->host data packet

	subFrameSize    = 512
	subFramePayload = 504 // 512 - 3 sync - 5 control
	syncByte        = 0x7F
)

// Protocol1Server is a single-socket UDP state machine: discovery,
// start/stop, C0-C4 control words, and the interleaved multi-DDC data
// stream, all on port 1024. Grounded on the teacher's
// clients/hpsdr/protocol1.go sync.Cond producer/consumer pattern and
// original_source/src/hpsdr_emu/protocol1.py's exact wire semantics.
type Protocol1Server struct {
	state   *RadioState
	siggen  IQSource
	echo    *EchoBuffer
	metrics *Metrics

	sock *net.UDPConn

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewProtocol1Server(state *RadioState, siggen IQSource, echo *EchoBuffer, metrics *Metrics) *Protocol1Server {
	return &Protocol1Server{
		state:    state,
		siggen:   siggen,
		echo:     echo,
		metrics:  metrics,
		stopChan: make(chan struct{}),
	}
}

// Start binds port 1024 and launches the inbound dispatch loop.
func (s *Protocol1Server) Start() error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: protocol1Port}
	sock, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return &BindError{Proto: "protocol1", Addr: addr.String(), Err: err}
	}
	s.sock = sock

	log.Printf("protocol1: listening on :%d", protocol1Port)

	s.wg.Add(1)
	go s.recvLoop()
	return nil
}

// Stop closes the socket and waits for the dispatch and sender loops to
// exit, within one packet period per §5.
func (s *Protocol1Server) Stop() {
	close(s.stopChan)
	if s.sock != nil {
		s.sock.Close()
	}
	s.wg.Wait()
	log.Printf("protocol1: stopped")
}

func (s *Protocol1Server) recvLoop() {
	defer s.wg.Done()
	buf := make([]byte, 2048)

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.sock.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopChan:
				return
			default:
			}
			continue
		}

		if n < 3 || buf[0] != 0xEF || buf[1] != 0xFE {
			continue // MalformedDatagram: unknown magic, logged at debug, ignored
		}

		switch {
		case buf[2] == 0x02:
			s.handleDiscovery(addr)
		case buf[2] == 0x04 && n >= 4:
			s.handleStartStop(buf[:n], addr)
		case buf[2] == 0x01 && n >= protocol1ControlSize:
			s.handleData(buf[:n], addr)
		default:
			if s.state.cfg.Verbose {
				log.Printf("protocol1: unrecognized packet cmd=0x%02x len=%d from %s", buf[2], n, addr)
			}
		}
	}
}

// handleDiscovery replies with the 60-byte discovery response of §4.E.
func (s *Protocol1Server) handleDiscovery(addr *net.UDPAddr) {
	resp := make([]byte, protocol1ResponseSize)
	resp[0] = 0xEF
	resp[1] = 0xFE
	if s.state.Running() {
		resp[2] = 0x03
	} else {
		resp[2] = 0x02
	}
	copy(resp[3:9], s.state.cfg.MAC)

	mercury, penny, metis, firmware := s.state.VersionBytes()
	resp[9] = firmware
	resp[10] = s.state.cfg.HW.BoardCode()
	resp[11] = 0 // protocol version 0 (Protocol 1)
	resp[14] = mercury[0]
	resp[15] = mercury[1]
	resp[16] = mercury[2]
	resp[17] = mercury[3]
	resp[18] = penny
	resp[19] = metis
	resp[20] = byte(s.state.cfg.HW.MaxDDCs())

	if _, err := s.sock.WriteToUDP(resp, addr); err != nil {
		log.Printf("protocol1: discovery send error: %v", err)
		return
	}
	s.metrics.IncPacketsSent("protocol1", "discovery")
	log.Printf("protocol1: discovery reply to %s", addr)
}

// handleStartStop toggles running state. Byte 3 bit 0 sets running.
func (s *Protocol1Server) handleStartStop(buf []byte, addr *net.UDPAddr) {
	running := buf[3]&0x01 != 0
	wasRunning := s.state.Running()
	s.state.SetRunning(running)
	s.state.SetPeer1(addr)

	if running && !wasRunning {
		log.Printf("protocol1: start from %s", addr)
		s.wg.Add(1)
		go s.senderThread()
	} else if !running && wasRunning {
		log.Printf("protocol1: stop from %s", addr)
	}
}

// handleData processes the two 512-byte host sub-frames (one per
// PACKET_SIZE=1032 packet) following the 8-byte outer header: each
// sub-frame's C0-C4 control word, then — while PTT is asserted and echo
// mode is enabled — its TX IQ payload, Protocol 1's only TX-IQ ingestion
// path (there is no dedicated TX-IQ port as there is on Protocol 2).
func (s *Protocol1Server) handleData(buf []byte, addr *net.UDPAddr) {
	s.state.SetPeer1(addr)
	if len(buf) >= 8+subFrameSize {
		s.handleSubFrame(buf[8 : 8+subFrameSize])
	}
	if len(buf) >= 8+2*subFrameSize {
		s.handleSubFrame(buf[8+subFrameSize : 8+2*subFrameSize])
	}
}

// handleSubFrame parses one sub-frame's control word and, when PTT is
// asserted, feeds its TX IQ payload to the echo buffer.
func (s *Protocol1Server) handleSubFrame(sf []byte) {
	s.parseSubFrameControl(sf[:8])

	if s.echo == nil || !s.state.PTT() || len(sf) < 8+txIQBlockSize16 {
		return
	}
	payload := sf[8:]
	if len(payload) > subFramePayload {
		payload = payload[:subFramePayload]
	}
	n := len(payload) / txIQBlockSize16 * txIQBlockSize16
	s.echo.Record(unpackTxIQ16(payload[:n]), s.state.TxFreqHz())
}

// parseSubFrameControl reads the 0x7F sync + 5-byte C0-C4 word at the
// front of a sub-frame and mutates RadioState per §4.E's command table.
func (s *Protocol1Server) parseSubFrameControl(frame []byte) {
	if len(frame) < 8 || frame[0] != syncByte || frame[1] != syncByte || frame[2] != syncByte {
		return
	}
	c0, c1, c2, c3, c4 := frame[3], frame[4], frame[5], frame[6], frame[7]
	addr := c0 & 0xFE
	pttBit := c0&0x01 != 0

	wasPTT := s.state.PTT()
	if fallingEdge := s.state.SetPTT(pttBit); fallingEdge {
		if s.echo != nil {
			s.echo.CommitOnPTTRelease()
		}
		s.metrics.SetEchoActive(false)
	} else if pttBit {
		if !wasPTT && s.echo != nil {
			s.echo.StartRecording(s.state.TxFreqHz())
		}
		s.metrics.SetEchoActive(true)
	}

	switch addr {
	case 0x00:
		var sr int
		switch c1 & 0x03 {
		case 0:
			sr = sampleRate48k
		case 1:
			sr = sampleRate96k
		case 2:
			sr = sampleRate192k
		case 3:
			sr = sampleRate384k
		}
		s.state.SetSampleRateHz(sr)
		s.state.SetNActiveDDC(int((c4>>3)&0x07) + 1)

	case 0x02:
		freq := uint32(c1)<<24 | uint32(c2)<<16 | uint32(c3)<<8 | uint32(c4)
		s.state.SetTxFreqHz(freq)

	case 0x12:
		s.state.SetTxDriveLevel(c1)

	default:
		if addr >= 0x04 && addr <= 0x10 {
			ddc := int(addr-0x04) / 2
			freq := uint32(c1)<<24 | uint32(c2)<<16 | uint32(c3)<<8 | uint32(c4)
			if ddc < s.state.cfg.HW.MaxDDCs() {
				s.state.SetRxFreqHz(ddc, freq)
			}
		}
		// other addresses: parsed, not mutating (logged at verbose).
	}
}

// spr computes samples-per-DDC-per-sub-frame, per §4.E/§8 invariant 4.
func protocol1SamplesPerSubFrame(nddc int) int {
	return subFramePayload / (6*nddc + 2)
}

// senderThread streams 1032-byte data packets at the cadence implied by
// sample_rate_hz and spr, skipping ahead rather than buffering backlog
// if a send falls behind (§5).
func (s *Protocol1Server) senderThread() {
	defer s.wg.Done()

	packet := make([]byte, protocol1DataSize)
	iBuf := make([]byte, 6) // scratch reused per sample pack

	for {
		if !s.state.Running() {
			return
		}

		nddc := s.state.NActiveDDC()
		spr := protocol1SamplesPerSubFrame(nddc)
		sampleRate := s.state.SampleRateHz()
		period := time.Duration(float64(spr) / float64(sampleRate) * float64(time.Second))

		peer := s.state.Peer1()
		if peer == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		packet[0], packet[1], packet[2], packet[3] = 0xEF, 0xFE, 0x01, 0x06
		seq := s.state.NextSeq()
		packet[4] = byte(seq >> 24)
		packet[5] = byte(seq >> 16)
		packet[6] = byte(seq >> 8)
		packet[7] = byte(seq)
		s.metrics.SetSeqOut(seq)

		s.fillSubFrame(packet[8:8+subFrameSize], nddc, spr, iBuf)
		s.fillSubFrame(packet[8+subFrameSize:8+2*subFrameSize], nddc, spr, iBuf)

		if _, err := s.sock.WriteToUDP(packet, peer); err != nil {
			log.Printf("protocol1: send error: %v", err) // TransientSendError: dropped, seq already advanced
		} else {
			s.metrics.IncPacketsSent("protocol1", "data")
		}

		select {
		case <-s.stopChan:
			return
		case <-time.After(period):
		}
	}
}

// fillSubFrame builds one 512-byte sub-frame: sync, rotating telemetry
// control response, then spr interleaved [I Q]*nddc + Mic rows.
func (s *Protocol1Server) fillSubFrame(frame []byte, nddc, spr int, scratch []byte) {
	frame[0], frame[1], frame[2] = syncByte, syncByte, syncByte

	addr := s.state.NextTelemetryAddr()
	ptt := s.state.PTT()
	pttBit := byte(0)
	if ptt {
		pttBit = 0x01
	}
	frame[3] = addr | 0x80 | pttBit
	_, penny, _, firmware := s.state.VersionBytes()
	c1, c2, c3, c4 := telemetryRegisters(addr, ptt, s.state.TxDriveLevel(), penny, firmware)
	frame[4], frame[5], frame[6], frame[7] = c1, c2, c3, c4

	off := 8
	samples := make([][]complex128, nddc)
	useEcho := s.echo != nil && s.echo.HasPlayback()
	sampleRate := s.state.SampleRateHz()
	for d := 0; d < nddc; d++ {
		if d == 0 && useEcho {
			samples[d] = s.echo.Read(spr, s.state.RxFreqHz(0), sampleRate)
		} else {
			samples[d] = s.siggen.Generate(spr, d)
		}
		s.metrics.AddSamplesGenerated(d, spr)
	}

	for k := 0; k < spr; k++ {
		for d := 0; d < nddc; d++ {
			packSample24(scratch[0:3], real(samples[d][k]))
			packSample24(scratch[3:6], imag(samples[d][k]))
			copy(frame[off:off+6], scratch)
			off += 6
		}
		frame[off] = 0
		frame[off+1] = 0
		off += 2
	}
	for ; off < len(frame); off++ {
		frame[off] = 0
	}
}

// telemetryRegisters implements the rotation table of §4.E. During TX
// (ptt=true) the power registers carry synthetic values scaled by
// tx_drive_level; during RX (ptt=false) they read zero except supply
// volts, which is a fixed nominal value regardless of ptt. Formulas and
// the RX-zeroing behavior are grounded in
// original_source/src/hpsdr_emu/protocol1.py's _fill_subframe.
func telemetryRegisters(addr byte, ptt bool, txDrive uint8, penny, firmware byte) (c1, c2, c3, c4 byte) {
	const nominalSupplyVolts = 3200 // fixed engineering-unit-ish constant, per original_source

	switch addr {
	case 0x00:
		return 0, firmware, penny, 0 // ADC overflow(0)/Mercury FW, Penny version
	case 0x08:
		var exciter, forward uint16
		if ptt {
			exciter = uint16(txDrive) * 10
			forward = uint16(txDrive) * uint16(txDrive) >> 4
		}
		return byte(exciter >> 8), byte(exciter), byte(forward >> 8), byte(forward)
	case 0x10:
		var reverse uint16
		if ptt && txDrive > 0 {
			forward := uint16(txDrive) * uint16(txDrive) >> 4
			reverse = forward / 50
			if reverse < 1 {
				reverse = 1
			}
		}
		pa := uint16(nominalSupplyVolts)
		return byte(reverse >> 8), byte(reverse), byte(pa >> 8), byte(pa)
	case 0x18:
		var current uint16
		if ptt {
			current = uint16(txDrive) * 5
		}
		supply := uint16(nominalSupplyVolts)
		return byte(current >> 8), byte(current), byte(supply >> 8), byte(supply)
	}
	return 0, 0, 0, 0
}
