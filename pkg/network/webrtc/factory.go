// Package webrtc runs call transports on top of Pion WebRTC.
package webrtc

import (
	"net"

	"github.com/convergence/peerlink/pkg/config"
	"github.com/convergence/peerlink/pkg/logger"
	"github.com/convergence/peerlink/pkg/negotiation"
	"github.com/convergence/peerlink/pkg/network/socket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ApiFactory makes peer connections with the same media settings.
type ApiFactory struct {
	api  *webrtc.API
	conf webrtc.Configuration
	mux  *net.UDPConn
	log  *logger.Logger
}

// ModApiFun changes Pion settings before the API is built.
type ModApiFun func(m *webrtc.MediaEngine, i *interceptor.Registry, s *webrtc.SettingEngine)

func NewApiFactory(conf config.Webrtc, log *logger.Logger, mod ModApiFun) (api *ApiFactory, err error) {
	m := &webrtc.MediaEngine{}
	if err = m.RegisterDefaultCodecs(); err != nil {
		return
	}
	i := &interceptor.Registry{}
	if !conf.DisableDefaultInterceptors {
		if err = webrtc.RegisterDefaultInterceptors(m, i); err != nil {
			return
		}
	}
	customLogger := logger.NewPionLogger(log, conf.LogLevel)
	s := webrtc.SettingEngine{LoggerFactory: customLogger}
	if conf.HasPortRange() {
		if err = s.SetEphemeralUDPPortRange(conf.IcePorts.Min, conf.IcePorts.Max); err != nil {
			return
		}
	}
	var udp *net.UDPConn
	if conf.HasSinglePort() {
		if udp, err = socket.ListenUDPRoll(conf.SinglePort); err != nil {
			return
		}
		s.SetICEUDPMux(webrtc.NewICEUDPMux(customLogger, udp))
		log.Info().Msgf("The single port mode is active for %s", udp.LocalAddr())
	}
	if conf.HasIceIpMap() {
		s.SetNAT1To1IPs([]string{conf.IceIpMap}, webrtc.ICECandidateTypeHost)
		log.Info().Msgf("The NAT mapping is active for %v", conf.IceIpMap)
	}

	if mod != nil {
		mod(m, i, &s)
	}

	c := webrtc.Configuration{ICEServers: []webrtc.ICEServer{}}
	for _, server := range conf.IceServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       []string{server.Urls},
			Username:   server.Username,
			Credential: server.Credential,
		})
	}

	return &ApiFactory{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		conf: c,
		mux:  udp,
		log:  log,
	}, nil
}

func (a *ApiFactory) NewPeer() (*webrtc.PeerConnection, error) {
	return a.api.NewPeerConnection(a.conf)
}

// NewTransport makes a new peer connection with the handlers attached.
func (a *ApiFactory) NewTransport(h negotiation.TransportHandlers) (negotiation.Transport, error) {
	conn, err := a.NewPeer()
	if err != nil {
		return nil, err
	}
	return newPeer(conn, h, a.log), nil
}

// Close frees the shared UDP socket if there is one.
func (a *ApiFactory) Close() error {
	if a.mux == nil {
		return nil
	}
	return a.mux.Close()
}
