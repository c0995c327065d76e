package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/dbehnke/issi-ptt/pkg/config"
	"github.com/dbehnke/issi-ptt/pkg/logger"
	"github.com/dbehnke/issi-ptt/pkg/ptt"
	"github.com/dbehnke/issi-ptt/pkg/transport"
	"github.com/dbehnke/issi-ptt/pkg/web"
)

// heartbeatLogger reports connection heartbeat events of one static session
type heartbeatLogger struct {
	name string
	hub  *web.WebSocketHub
	log  *logger.Logger
}

func (h *heartbeatLogger) ReceivedHeartbeat(tsn uint8) {
	h.log.Debug("Heartbeat received", logger.String("session", h.name), logger.Uint8("tsn", tsn))
}

func (h *heartbeatLogger) ReceivedHeartbeatQuery(info ptt.SessionInfo, tsn uint8) {
	h.log.Debug("Heartbeat query received",
		logger.String("session", h.name),
		logger.String("remote", info.RemoteAddr))
}

func (h *heartbeatLogger) HeartbeatTimeout(info ptt.SessionInfo) {
	h.log.Warn("Heartbeat timeout",
		logger.String("session", h.name),
		logger.String("id", info.ID),
		logger.String("remote", info.RemoteAddr))
	if h.hub != nil {
		h.hub.BroadcastHeartbeatTimeout()
	}
}

// openSession creates one configured call leg and starts its heartbeats
func openSession(ctx context.Context, mgr *ptt.Manager, cfg *config.Config, sc config.SessionConfig,
	hub *web.WebSocketHub, log *logger.Logger) error {
	policy, err := sc.Policy()
	if err != nil {
		return err
	}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(sc.RemoteHost, strconv.Itoa(sc.RemotePort)))
	if err != nil {
		return fmt.Errorf("resolve remote: %w", err)
	}

	hb := &heartbeatLogger{name: sc.Name, hub: hub, log: log.WithComponent("heartbeat")}

	var s *ptt.Session
	if cfg.PTT.TestMode {
		ep, err := transport.ListenUDP(ctx, cfg.RFSS.Host, sc.Port, log.WithComponent("transport"))
		if err != nil {
			return err
		}
		ep.SetRemoteAddr(remote)
		if policy.Role == ptt.RoleSMF {
			s, err = mgr.CreateTestSMF(ep, policy.LinkType)
		} else {
			s, err = mgr.CreateTestMMF(ep, policy.LinkType, hb)
		}
		if err != nil {
			_ = ep.Close()
			return err
		}
	} else {
		if policy.Role == ptt.RoleSMF {
			s, err = mgr.CreateSMF(sc.Port, policy.LinkType)
		} else {
			s, err = mgr.CreateMMF(sc.Port, policy.LinkType)
		}
		if err != nil {
			return err
		}
		s.SetRemoteAddr(remote)
	}
	if sc.RemoteDomain != "" {
		s.SetRemoteDomain(sc.RemoteDomain)
	}
	s.SetHeartbeatListener(hb)

	switch policy.Role {
	case ptt.RoleMMF:
		rx, err := s.MMFReceiver()
		if err != nil {
			return err
		}
		rx.SetPolicy(policy.Arbitration, policy.Wait)
	case ptt.RoleSMF:
		tx, err := s.SMFTransmitter()
		if err != nil {
			return err
		}
		if policy.TransmitOnTimeout {
			err = tx.SetTransmitOnRequestTimeout()
		} else {
			err = tx.SetFailOnRequestTimeout()
		}
		if err != nil {
			return err
		}
	}
	s.StartHeartbeat()

	log.Info("Session opened",
		logger.String("name", sc.Name),
		logger.String("id", s.ID()),
		logger.String("role", policy.Role.String()),
		logger.String("link_type", policy.LinkType.String()),
		logger.String("local", s.LocalAddr().String()),
		logger.String("remote", remote.String()))
	return nil
}
