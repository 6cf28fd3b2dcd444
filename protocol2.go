package main

import (
	"log"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Protocol 2 (Modern/Ethernet) ports, per spec.md §4.F.
const (
	portGeneral      = 1024
	portRXSpecific   = 1025
	portTXSpecific   = 1026
	portHighPriority = 1027
	portTXAudio      = 1028
	portTXIQ         = 1029

	portHPStatus = 1025
	portMic      = 1026
	portDDCBase  = 1035

	samplesPerDDCPacket = 238
	samplesPerMicPacket = 64
	ddcIQPacketSize     = 1444
	hpStatusInterval    = 100 * time.Millisecond
)

var samplesPerMicPacketF = float64(samplesPerMicPacket)

var micInterval = time.Duration(samplesPerMicPacketF / 48000 * float64(time.Second))

// Protocol2Server binds six inbound ports plus one outbound socket per
// possible DDC (source port = 1035+d). Grounded on the teacher's
// clients/hpsdr/protocol2.go multi-socket bind pattern (SO_REUSEADDR /
// SO_REUSEPORT via golang.org/x/sys/unix) and
// original_source/src/hpsdr_emu/protocol2.py's exact per-port semantics.
type Protocol2Server struct {
	state   *RadioState
	siggen  IQSource
	echo    *EchoBuffer
	metrics *Metrics

	inbound map[int]*net.UDPConn
	ddcSock map[int]*net.UDPConn // source port -> socket, for 1035+d
	ddcMu   sync.RWMutex

	runMu     sync.Mutex
	streaming bool
	cancel    chan struct{}
	wg        sync.WaitGroup

	stopChan chan struct{}
	closeWG  sync.WaitGroup

	echoTxActive bool
	echoTxMu     sync.Mutex
	echoTxTimer  *time.Timer
}

func NewProtocol2Server(state *RadioState, siggen IQSource, echo *EchoBuffer, metrics *Metrics) *Protocol2Server {
	return &Protocol2Server{
		state:    state,
		siggen:   siggen,
		echo:     echo,
		metrics:  metrics,
		inbound:  make(map[int]*net.UDPConn),
		ddcSock:  make(map[int]*net.UDPConn),
		stopChan: make(chan struct{}),
	}
}

// listenReusable binds a UDP port with SO_REUSEADDR/SO_REUSEPORT set,
// matching the teacher's Protocol 2 socket setup exactly so multiple
// short-lived restarts of the emulator do not fight over TIME_WAIT.
func listenReusable(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	pc, err := lc.ListenPacket(nil, "udp4", addr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// Start binds all six inbound ports and per-DDC outbound sockets, then
// launches one receive goroutine per inbound port.
func (s *Protocol2Server) Start() error {
	ports := []int{portGeneral, portRXSpecific, portTXSpecific, portHighPriority, portTXAudio, portTXIQ}
	for _, p := range ports {
		sock, err := listenReusable(p)
		if err != nil {
			return &BindError{Proto: "protocol2", Addr: net.JoinHostPort("0.0.0.0", strconv.Itoa(p)), Err: err}
		}
		s.inbound[p] = sock
		log.Printf("protocol2: listening on :%d", p)
	}

	for d := 0; d < s.state.cfg.HW.MaxDDCs(); d++ {
		sock, err := listenReusable(portDDCBase + d)
		if err != nil {
			return &BindError{Proto: "protocol2", Addr: net.JoinHostPort("0.0.0.0", strconv.Itoa(portDDCBase+d)), Err: err}
		}
		s.ddcSock[portDDCBase+d] = sock
	}

	for p, sock := range s.inbound {
		s.closeWG.Add(1)
		go s.recvLoop(p, sock)
	}
	return nil
}

func (s *Protocol2Server) Stop() {
	close(s.stopChan)
	s.stopStreaming()
	for _, sock := range s.inbound {
		sock.Close()
	}
	for _, sock := range s.ddcSock {
		sock.Close()
	}
	s.closeWG.Wait()
	log.Printf("protocol2: stopped")
}

func (s *Protocol2Server) recvLoop(port int, sock *net.UDPConn) {
	defer s.closeWG.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}
		sock.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := sock.ReadFromUDP(buf)
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
		s.dispatch(port, buf[:n], addr)
	}
}

func (s *Protocol2Server) dispatch(port int, data []byte, addr *net.UDPAddr) {
	switch port {
	case portGeneral:
		s.handleGeneral(data, addr)
	case portRXSpecific:
		s.handleRXSpecific(data, addr)
	case portTXSpecific:
		s.state.SetPeer2(addr)
	case portHighPriority:
		s.handleHighPriority(data, addr)
	case portTXAudio:
		s.handleTXAudio(data, addr)
	case portTXIQ:
		s.handleTXIQ(data, addr)
	}
}

func (s *Protocol2Server) handleGeneral(data []byte, addr *net.UDPAddr) {
	if len(data) < 5 {
		return
	}
	if data[4] == 0x02 {
		resp := s.buildDiscoveryResponse()
		if _, err := s.inbound[portGeneral].WriteToUDP(resp, addr); err != nil {
			log.Printf("protocol2: discovery send error: %v", err)
			return
		}
		s.metrics.IncPacketsSent("protocol2", "discovery")
		log.Printf("protocol2: discovery reply to %s", addr)
	} else if data[4] == 0x00 {
		s.state.SetPeer2(addr)
	}
}

func (s *Protocol2Server) buildDiscoveryResponse() []byte {
	buf := make([]byte, 60)
	buf[4] = 0x02
	copy(buf[5:11], s.state.cfg.MAC)
	buf[11] = s.state.cfg.HW.BoardCode()
	buf[12] = 1 // protocol version constant (Protocol 2)
	mercury, penny, metis, firmware := s.state.VersionBytes()
	buf[13] = firmware
	buf[14] = mercury[0]
	buf[15] = mercury[1]
	buf[16] = mercury[2]
	buf[17] = mercury[3]
	buf[18] = penny
	buf[19] = metis
	buf[20] = byte(s.state.cfg.HW.MaxDDCs())
	return buf
}

func (s *Protocol2Server) handleRXSpecific(data []byte, addr *net.UDPAddr) {
	if len(data) < 5 {
		return
	}
	s.state.SetPeer2(addr)

	if len(data) > 20 {
		off := 18 // RX0 sample rate, per §4.F
		srKHz := int(data[off])<<8 | int(data[off+1])
		if srKHz > 0 {
			s.state.SetSampleRateHz(srKHz * 1000)
		}
	}
}

func (s *Protocol2Server) handleHighPriority(data []byte, addr *net.UDPAddr) {
	if len(data) < 57 {
		return
	}
	s.state.SetPeer2(addr)

	flags := data[4]
	run := flags&0x01 != 0
	ptt := flags&0x02 != 0

	if fallingEdge := s.state.SetPTT(ptt); fallingEdge && s.echo != nil {
		s.cancelEchoTxTimer()
		s.setEchoTxActive(false)
		s.echo.CommitOnPTTRelease()
	}

	for i := 0; i < 12; i++ {
		off := 9 + i*4
		if off+4 > len(data) {
			break
		}
		freq := uint32(data[off])<<24 | uint32(data[off+1])<<16 | uint32(data[off+2])<<8 | uint32(data[off+3])
		if freq > 0 && i < s.state.cfg.HW.MaxDDCs() {
			s.state.SetRxFreqHz(i, freq)
		}
	}

	if len(data) > 332 {
		freq := uint32(data[329])<<24 | uint32(data[330])<<16 | uint32(data[331])<<8 | uint32(data[332])
		if freq > 0 {
			s.state.SetTxFreqHz(freq)
		}
	}
	if len(data) > 345 {
		s.state.SetTxDriveLevel(data[345])
	}

	wasRunning := s.state.Running()
	s.state.SetRunning(run)
	if run && !wasRunning {
		log.Printf("protocol2: run started by %s", addr)
		s.startStreaming()
	} else if !run && wasRunning {
		log.Printf("protocol2: run stopped by %s", addr)
		s.stopStreaming()
	}
}

// handleTXAudio only tracks the peer and, at verbose log level, packet
// receipt: port 1028 carries TX audio, which this radio discards rather
// than forwarding to the echo buffer (only port 1029's TX IQ feeds
// echo).
func (s *Protocol2Server) handleTXAudio(data []byte, addr *net.UDPAddr) {
	s.state.SetPeer2(addr)
	if s.state.cfg.Verbose {
		log.Printf("protocol2: TX audio packet discarded (%d bytes)", len(data))
	}
}

func (s *Protocol2Server) handleTXIQ(data []byte, addr *net.UDPAddr) {
	s.state.SetPeer2(addr)
	if s.echo == nil || !s.state.PTT() || len(data) <= 4 {
		return
	}
	s.feedEchoTX(unpackIQ24(data[4:]))
}

func (s *Protocol2Server) feedEchoTX(samples []complex128) {
	s.echoTxMu.Lock()
	active := s.echoTxActive
	s.echoTxActive = true
	s.echoTxMu.Unlock()

	if !active {
		s.echo.StartRecording(s.state.TxFreqHz())
		s.metrics.SetEchoActive(true)
	}
	s.echo.Record(samples, s.state.TxFreqHz())
	s.resetEchoTxTimer()
}

func (s *Protocol2Server) setEchoTxActive(v bool) {
	s.echoTxMu.Lock()
	s.echoTxActive = v
	s.echoTxMu.Unlock()
	s.metrics.SetEchoActive(v)
}

// resetEchoTxTimer/cancelEchoTxTimer implement the 1-second fallback
// timeout of the Python original: if TX IQ stops arriving abruptly
// (client disconnect) without a clean PTT-off, recording still stops.
func (s *Protocol2Server) resetEchoTxTimer() {
	s.echoTxMu.Lock()
	defer s.echoTxMu.Unlock()
	if s.echoTxTimer != nil {
		s.echoTxTimer.Stop()
	}
	s.echoTxTimer = time.AfterFunc(1*time.Second, func() {
		s.setEchoTxActive(false)
		s.echo.CommitOnPTTRelease()
		log.Printf("protocol2: echo TX timeout, recording stopped")
	})
}

func (s *Protocol2Server) cancelEchoTxTimer() {
	s.echoTxMu.Lock()
	defer s.echoTxMu.Unlock()
	if s.echoTxTimer != nil {
		s.echoTxTimer.Stop()
		s.echoTxTimer = nil
	}
}

// startStreaming launches one goroutine per active DDC plus HP-status
// and mic goroutines. Protocol 2 never enters a persistent Streaming
// state object (§4.F) -- streaming is simply "these goroutines are
// alive", gated on RadioState.Running().
func (s *Protocol2Server) startStreaming() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.streaming {
		return
	}
	s.streaming = true
	s.cancel = make(chan struct{})

	s.wg.Add(1)
	go s.hpStatusLoop(s.cancel)
	s.wg.Add(1)
	go s.micLoop(s.cancel)
	for d := 0; d < s.state.NActiveDDC(); d++ {
		s.wg.Add(1)
		go s.ddcIQLoop(d, s.cancel)
	}
}

func (s *Protocol2Server) stopStreaming() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.streaming {
		return
	}
	s.streaming = false
	close(s.cancel)
	s.wg.Wait()
}

func (s *Protocol2Server) sendTo(sourcePort int, data []byte) {
	peer := s.state.Peer2()
	if peer == nil {
		return
	}
	var sock *net.UDPConn
	switch sourcePort {
	case portHPStatus:
		sock = s.inbound[portRXSpecific]
	case portMic:
		sock = s.inbound[portTXSpecific]
	default:
		s.ddcMu.RLock()
		sock = s.ddcSock[sourcePort]
		s.ddcMu.RUnlock()
	}
	if sock == nil {
		return
	}
	if _, err := sock.WriteToUDP(data, peer); err != nil {
		log.Printf("protocol2: send error on port %d: %v", sourcePort, err)
	}
}

func (s *Protocol2Server) hpStatusLoop(cancel chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(hpStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sendTo(portHPStatus, s.buildHPStatus())
			s.metrics.IncPacketsSent("protocol2", "hp_status")
		}
	}
}

// buildHPStatus implements the 60-byte status layout of §4.F, sharing
// the same synthetic telemetry formulas as Protocol 1's 0x08 register.
func (s *Protocol2Server) buildHPStatus() []byte {
	buf := make([]byte, 60)
	seq := s.state.NextSeq()
	buf[0] = byte(seq >> 24)
	buf[1] = byte(seq >> 16)
	buf[2] = byte(seq >> 8)
	buf[3] = byte(seq)
	s.metrics.SetSeqOut(seq)

	if s.state.PTT() {
		buf[4] |= 0x01
	}

	drive := s.state.TxDriveLevel()
	if s.state.PTT() && drive > 0 {
		exciter := uint16(drive) * 10
		forward := uint16(drive) * uint16(drive) >> 4
		reverse := forward / 50
		if reverse < 1 {
			reverse = 1
		}
		buf[6], buf[7] = byte(exciter>>8), byte(exciter)
		buf[14], buf[15] = byte(forward>>8), byte(forward)
		buf[22], buf[23] = byte(reverse>>8), byte(reverse)
	}
	return buf
}

func (s *Protocol2Server) ddcIQLoop(ddc int, cancel chan struct{}) {
	defer s.wg.Done()
	sourcePort := portDDCBase + ddc
	var seq uint32

	for {
		sampleRate := s.state.SampleRateHz()
		interval := time.Duration(float64(samplesPerDDCPacket) / float64(sampleRate) * float64(time.Second))

		select {
		case <-cancel:
			return
		case <-s.stopChan:
			return
		case <-time.After(interval):
		}

		buf := s.buildDDCIQPacket(ddc, seq)
		s.sendTo(sourcePort, buf)
		s.metrics.IncPacketsSent("protocol2", "ddc_iq")
		s.metrics.AddSamplesGenerated(ddc, samplesPerDDCPacket)
		seq++
	}
}

func (s *Protocol2Server) buildDDCIQPacket(ddc int, seq uint32) []byte {
	buf := make([]byte, ddcIQPacketSize)
	buf[0] = byte(seq >> 24)
	buf[1] = byte(seq >> 16)
	buf[2] = byte(seq >> 8)
	buf[3] = byte(seq)
	// bytes 4-11: timestamp, left as zero (monotonic sample count is not
	// consumed by any host behavior this spec covers)
	buf[12], buf[13] = 0, 24 // bits per sample
	buf[14], buf[15] = 0, samplesPerDDCPacket

	var samples []complex128
	if ddc == 0 && s.echo != nil && s.echo.HasPlayback() {
		samples = s.echo.Read(samplesPerDDCPacket, s.state.RxFreqHz(0), s.state.SampleRateHz())
	} else {
		samples = s.siggen.Generate(samplesPerDDCPacket, ddc)
	}
	packIQ24(buf[16:], samples)
	return buf
}

func (s *Protocol2Server) micLoop(cancel chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(micInterval)
	defer ticker.Stop()
	var seq uint32
	for {
		select {
		case <-cancel:
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			buf := make([]byte, 4+samplesPerMicPacket*2)
			buf[0] = byte(seq >> 24)
			buf[1] = byte(seq >> 16)
			buf[2] = byte(seq >> 8)
			buf[3] = byte(seq)
			s.sendTo(portMic, buf)
			s.metrics.IncPacketsSent("protocol2", "mic")
			seq++
		}
	}
}

