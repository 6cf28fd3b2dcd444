package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
)

// protocolServer is implemented by Protocol1Server and Protocol2Server so
// main can start/stop whichever one --protocol selected without a type
// switch, matching the teacher's own preference for small interfaces
// over sprawling main() branching.
type protocolServer interface {
	Start() error
	Stop()
}

func main() {
	var (
		protocolFlag   = flag.Int("protocol", 1, "OpenHPSDR protocol version to speak (1 or 2)")
		radioFlag      = flag.String("radio", "hermes", "emulated hardware kind (atlas, hermes, hermes2, angelia, orion, orionmk2, hermeslite, saturn, saturnmk2)")
		macFlag        = flag.String("mac", "", "MAC address reported in discovery replies (default: built-in)")
		freqFlag       = flag.Uint64("freq", 7100000, "initial RX0/TX frequency in Hz")
		toneFlag       = flag.Float64("tone", defaultToneHz, "synthetic signal tone frequency in Hz")
		noiseFlag      = flag.Float64("noise", defaultNoiseLevel, "synthetic noise standard deviation")
		echoFlag       = flag.Bool("echo", false, "enable TX IQ echo-back on receive")
		signalModeFlag = flag.String("signal-mode", signalModeTone, "synthetic signal generator: tone or multitone")
		sampleRateFlag = flag.Int("sample-rate", 0, "IQ sample rate in Hz (48000, 96000, 192000, 384000); unset defaults to 48000 for Protocol 1, 192000 for Protocol 2")
		ddcsFlag       = flag.Int("ddcs", 1, "number of active DDCs at startup")
		metricsFlag    = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this host:port")
		verboseFlag    = flag.Bool("verbose", false, "enable verbose packet-level logging")
		configFlag     = flag.String("config", "", "optional YAML config file; flags override its values")
	)
	flag.Parse()

	cfg, err := buildRadioConfig(*configFlag, *protocolFlag, *radioFlag, *macFlag, *freqFlag,
		*toneFlag, *noiseFlag, *echoFlag, *signalModeFlag, *sampleRateFlag, *ddcsFlag,
		*metricsFlag, *verboseFlag)
	if err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}

	runID := uuid.New()
	log.Printf("hpsdr-emu starting: run=%s radio=%d protocol=%d sample_rate=%d ddcs=%d echo=%v",
		runID, cfg.radio.HW, cfg.protocol, cfg.radio.SampleRateHz, cfg.radio.NumDDCs, cfg.radio.EchoEnabled)

	state := NewRadioState(cfg.radio)
	state.SetTxFreqHz(uint32(cfg.initialFreq))
	for ddc := 0; ddc < cfg.radio.HW.MaxDDCs(); ddc++ {
		state.SetRxFreqHz(ddc, uint32(cfg.initialFreq))
	}

	var siggen IQSource
	if cfg.radio.SignalMode == signalModeMultitone {
		siggen = NewMultiToneGenerator(state, cfg.radio.ToneHz, cfg.radio.NoiseLevel)
	} else {
		siggen = NewSignalGenerator(state, cfg.radio.ToneHz, cfg.radio.NoiseLevel)
	}

	var echo *EchoBuffer
	if cfg.radio.EchoEnabled {
		echo = NewEchoBuffer()
	}

	metrics := NewMetrics()

	ctx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	if cfg.radio.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.radio.MetricsAddr); err != nil {
				log.Printf("metrics: server exited: %v", err)
			}
		}()
	}

	var server protocolServer
	switch cfg.protocol {
	case 1:
		server = NewProtocol1Server(state, siggen, echo, metrics)
	case 2:
		server = NewProtocol2Server(state, siggen, echo, metrics)
	default:
		log.Printf("fatal: config: --protocol must be 1 or 2, got %d", cfg.protocol)
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
	log.Printf("hpsdr-emu listening (protocol %d)", cfg.protocol)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("hpsdr-emu shutting down")
	server.Stop()
}

// radioRunConfig bundles RadioConfig with the handful of startup-only
// values (protocol version, initial frequency) that don't belong on the
// long-lived RadioConfig itself.
type radioRunConfig struct {
	radio       RadioConfig
	protocol    int
	initialFreq uint64
}

// buildRadioConfig layers an optional YAML file under the CLI flags:
// flag values always win when the user actually set them, matching the
// teacher's own "flags override file" config precedence.
func buildRadioConfig(configPath string, protocolFlag int, radioFlag, macFlag string, freqFlag uint64,
	toneFlag, noiseFlag float64, echoFlag bool, signalModeFlag string, sampleRateFlag, ddcsFlag int,
	metricsFlag string, verboseFlag bool) (*radioRunConfig, error) {

	radioName := radioFlag
	mac := macFlag
	toneHz := toneFlag
	noiseLevel := noiseFlag
	echo := echoFlag
	signalMode := signalModeFlag
	sampleRate := sampleRateFlag
	ddcs := ddcsFlag
	metricsAddr := metricsFlag
	verbose := verboseFlag
	protocol := protocolFlag

	if configPath != "" {
		fileCfg, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if !flagWasSet("radio") && fileCfg.Radio != "" {
			radioName = fileCfg.Radio
		}
		if !flagWasSet("mac") && fileCfg.MAC != "" {
			mac = fileCfg.MAC
		}
		if !flagWasSet("tone") && fileCfg.ToneHz != 0 {
			toneHz = fileCfg.ToneHz
		}
		if !flagWasSet("noise") && fileCfg.NoiseLevel != 0 {
			noiseLevel = fileCfg.NoiseLevel
		}
		if !flagWasSet("echo") && fileCfg.Echo {
			echo = fileCfg.Echo
		}
		if !flagWasSet("signal-mode") && fileCfg.SignalMode != "" {
			signalMode = fileCfg.SignalMode
		}
		if !flagWasSet("sample-rate") && fileCfg.SampleRate != 0 {
			sampleRate = fileCfg.SampleRate
		}
		if !flagWasSet("ddcs") && fileCfg.DDCs != 0 {
			ddcs = fileCfg.DDCs
		}
		if !flagWasSet("metrics-addr") && fileCfg.MetricsAddr != "" {
			metricsAddr = fileCfg.MetricsAddr
		}
		if !flagWasSet("verbose") && fileCfg.Verbose {
			verbose = fileCfg.Verbose
		}
	}

	hw, err := ParseHardwareKind(radioName)
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	macAddr, err := parseMAC(mac)
	if err != nil {
		return nil, err
	}
	if protocol != 1 && protocol != 2 {
		return nil, &ConfigError{Msg: "--protocol must be 1 or 2"}
	}
	if protocol == 1 && !hw.SupportsProtocol1() {
		return nil, &ConfigError{Msg: fmt.Sprintf("--radio %s does not support --protocol 1 (Protocol-2-only board)", radioName)}
	}
	resolvedMode, err := resolveSignalMode(signalMode)
	if err != nil {
		return nil, err
	}

	// Neither --sample-rate nor the config file set a rate: fall back to
	// the protocol's own default instead of always assuming Protocol 1's.
	if sampleRate == 0 {
		if protocol == 2 {
			sampleRate = sampleRate192k
		} else {
			sampleRate = sampleRate48k
		}
	}

	return &radioRunConfig{
		protocol:    protocol,
		initialFreq: freqFlag,
		radio: RadioConfig{
			HW:           hw,
			MAC:          macAddr,
			ToneHz:       toneHz,
			NoiseLevel:   noiseLevel,
			EchoEnabled:  echo,
			SignalMode:   resolvedMode,
			MetricsAddr:  metricsAddr,
			Verbose:      verbose,
			SampleRateHz: sampleRate,
			NumDDCs:      ddcs,
		},
	}, nil
}

// flagWasSet reports whether the named flag was explicitly passed on the
// command line, so config-file values only fill in flags the user left
// at their zero-value default.
func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
