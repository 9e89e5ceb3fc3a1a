package room

import "github.com/sirupsen/logrus"

const replacedReason = "Session opened elsewhere."

// replaceConn unbinds an older connection of the same member and tells it so.
// The socket itself stays open until its client hangs up.
func (s *Service) replaceConn(r *Room, oldConnID string) {
	delete(s.conns, oldConnID)
	s.notifier.Send(oldConnID, Message{Type: EventSessionReplaced, Payload: ReasonPayload{Reason: replacedReason}})
	s.logger.WithFields(logrus.Fields{"room": r.Code, "conn": oldConnID}).Info("connection superseded")
}

// attachHost binds connID as the room's host connection. A newer host
// connection replaces an older one.
func (s *Service) attachHost(r *Room, connID, name string) {
	host := r.host()

	if r.hostConnID != "" && r.hostConnID != connID {
		s.replaceConn(r, r.hostConnID)
	}
	delete(r.pending, connID)

	r.hostConnID = connID
	host.Online = true
	host.ConnID = connID
	host.Name = normalizeName(name, host.Name)

	s.conns[connID] = &connContext{roomCode: r.Code, memberKey: HostMemberKey, isHost: true}

	s.notifier.Send(connID, Message{Type: EventJoinApproved, Payload: JoinApprovedPayload{
		RoomID: r.Code,
		Name:   host.Name,
		IsHost: true,
	}})
	s.syncConnection(r, connID)
	s.emitPresence(r)
	s.broadcast(r, Message{Type: EventHostAvailability, Payload: HostAvailabilityPayload{Online: true}})
}

// attachApprovedGuest reports false when key does not resolve to a member, so
// the caller can fall back to the approval flow.
func (s *Service) attachApprovedGuest(r *Room, connID, key string) bool {
	gk := r.guestKeys[key]
	if gk == nil {
		return false
	}
	m := r.members[gk.MemberKey]
	if m == nil || m.IsHost {
		delete(r.guestKeys, key)
		return false
	}

	if m.ConnID != "" && m.ConnID != connID {
		s.replaceConn(r, m.ConnID)
	}
	delete(r.pending, connID)

	m.Online = true
	m.ConnID = connID
	s.conns[connID] = &connContext{roomCode: r.Code, memberKey: m.Key}

	s.notifier.Send(connID, Message{Type: EventJoinApproved, Payload: JoinApprovedPayload{
		RoomID:   r.Code,
		GuestKey: key,
		Name:     m.Name,
	}})
	s.syncConnection(r, connID)
	s.emitPresence(r)

	s.logger.WithFields(logrus.Fields{"room": r.Code, "member": m.Name}).Debug("guest reattached")
	return true
}

// resync answers a repeated join from an already attached connection.
func (s *Service) resync(r *Room, connID string, cc *connContext) {
	m := r.members[cc.memberKey]
	payload := JoinApprovedPayload{RoomID: r.Code, IsHost: cc.isHost}
	if m != nil {
		payload.Name = m.Name
	}
	if !cc.isHost {
		for key, gk := range r.guestKeys {
			if gk.MemberKey == cc.memberKey {
				payload.GuestKey = key
				break
			}
		}
	}
	s.notifier.Send(connID, Message{Type: EventJoinApproved, Payload: payload})
	s.syncConnection(r, connID)
}

// detach forgets connID. Members go offline but are never deleted here.
func (s *Service) detach(connID string) {
	cc := s.conns[connID]
	if cc == nil {
		return
	}
	delete(s.conns, connID)

	r := s.rooms[cc.roomCode]
	if r == nil {
		return
	}

	if cc.pending {
		if _, ok := r.pending[connID]; ok {
			delete(r.pending, connID)
			s.emitPresence(r)
		}
		return
	}

	if m := r.members[cc.memberKey]; m != nil && m.ConnID == connID {
		m.Online = false
		m.ConnID = ""
	}
	s.emitPresence(r)

	if cc.isHost && r.hostConnID == connID {
		r.hostConnID = ""
		s.broadcast(r, Message{Type: EventHostAvailability, Payload: HostAvailabilityPayload{Online: false}})
	}
}

// Disconnect is called once per closed connection.
func (s *Service) Disconnect(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detach(connID)
}
