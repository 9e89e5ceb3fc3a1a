package room

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/traklist/server/pkg/events"
)

const (
	pendingMessage      = "Waiting for host approval..."
	defaultRejectReason = "Host declined your request."
	removedReason       = "Host removed you from this session."
	leftMessage         = "You left the group."
	hostClosedReason    = "Host ended the session."
)

type JoinRequest struct {
	RoomCode string
	Name     string
	IsHost   bool
	GuestKey string
}

// Join routes a join attempt. IsHost must only be set once the caller has
// verified the host credential for the room.
func (s *Service) Join(connID string, req JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.lookup(req.RoomCode)
	if r == nil {
		return ErrRoomNotFound
	}

	if cc := s.conns[connID]; cc != nil && (cc.roomCode != r.Code || (req.IsHost && !cc.isHost)) {
		s.detach(connID)
	}

	if req.IsHost {
		s.attachHost(r, connID, req.Name)
		return nil
	}

	if cc := s.conns[connID]; cc != nil && !cc.pending {
		s.resync(r, connID, cc)
		return nil
	}

	if req.GuestKey != "" && s.attachApprovedGuest(r, connID, req.GuestKey) {
		return nil
	}

	s.requestApproval(r, connID, req.Name)
	return nil
}

func (s *Service) requestApproval(r *Room, connID, name string) {
	pg := &PendingGuest{
		ConnID:      connID,
		Name:        normalizeName(name, "Guest"),
		RequestedAt: s.now(),
	}
	if existing := r.pending[connID]; existing != nil {
		pg.RequestedAt = existing.RequestedAt
	}
	r.pending[connID] = pg
	s.conns[connID] = &connContext{roomCode: r.Code, pending: true}

	s.notifier.Send(connID, Message{Type: EventJoinPending, Payload: NoticePayload{Message: pendingMessage}})
	s.emitPresence(r)
	if r.hostConnID != "" {
		s.notifier.Send(r.hostConnID, Message{Type: EventGuestJoinRequest, Payload: GuestJoinRequestPayload{
			ID:   connID,
			Name: pg.Name,
		}})
	}

	s.logger.WithFields(logrus.Fields{"room": r.Code, "guest": pg.Name}).Debug("guest waiting for approval")
}

// hostRoom returns the room if connID is its current host connection.
func (s *Service) hostRoom(connID, code string) (*Room, error) {
	r := s.lookup(code)
	if r == nil {
		return nil, ErrRoomNotFound
	}
	if r.hostConnID == "" || r.hostConnID != connID {
		return nil, ErrNotHost
	}
	return r, nil
}

func (s *Service) ApproveGuest(hostConnID, code, pendingConnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.hostRoom(hostConnID, code)
	if err != nil {
		return err
	}
	pg := r.pending[pendingConnID]
	if pg == nil {
		return ErrGuestNotPending
	}

	key, err := s.newGuestKey()
	if err != nil {
		return newError(KindTransient, "Could not approve guest. Try again.", err)
	}

	now := s.now()
	delete(r.pending, pendingConnID)
	r.members[key] = &Member{
		Key:      key,
		Name:     pg.Name,
		JoinedAt: now,
		Online:   true,
		ConnID:   pendingConnID,
	}
	r.guestKeys[key] = &GuestKey{Key: key, MemberKey: key, Name: pg.Name, IssuedAt: now}
	s.conns[pendingConnID] = &connContext{roomCode: r.Code, memberKey: key}

	s.notifier.Send(pendingConnID, Message{Type: EventJoinApproved, Payload: JoinApprovedPayload{
		RoomID:   r.Code,
		GuestKey: key,
		Name:     pg.Name,
	}})
	s.syncConnection(r, pendingConnID)
	s.emitPresence(r)
	s.publish(r.Code, key, events.EventTypeGuestApproved, events.GuestApprovedPayload{Name: pg.Name})

	s.logger.WithFields(logrus.Fields{"room": r.Code, "guest": pg.Name}).Info("guest approved")
	return nil
}

func (s *Service) RejectGuest(hostConnID, code, pendingConnID, reason string) error {
	if reason == "" {
		reason = defaultRejectReason
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.hostRoom(hostConnID, code)
	if err != nil {
		return err
	}
	if r.pending[pendingConnID] == nil {
		return ErrGuestNotPending
	}

	delete(r.pending, pendingConnID)
	delete(s.conns, pendingConnID)

	s.notifier.Send(pendingConnID, Message{Type: EventJoinRejected, Payload: ReasonPayload{Reason: reason}})
	s.emitPresence(r)
	return nil
}

// RemoveMember deletes a guest and revokes every key it holds.
func (s *Service) RemoveMember(hostConnID, code, memberKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.hostRoom(hostConnID, code)
	if err != nil {
		return err
	}
	m := r.members[memberKey]
	if m == nil || m.IsHost {
		return ErrMemberNotFound
	}

	connID := s.deleteMember(r, m)
	if connID != "" {
		s.notifier.Send(connID, Message{Type: EventRemovedFromRoom, Payload: ReasonPayload{Reason: removedReason}})
	}
	s.emitPresence(r)
	s.publish(r.Code, m.Key, events.EventTypeMemberRemoved, events.MemberRemovedPayload{Name: m.Name, Reason: "removed"})
	return nil
}

// LeaveRoom lets an approved guest drop its membership.
func (s *Service) LeaveRoom(connID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, m, err := s.participant(connID, code)
	if err != nil {
		return err
	}
	if m.IsHost {
		return ErrHostCannotLeave
	}

	s.deleteMember(r, m)
	s.notifier.Send(connID, Message{Type: EventLeftRoom, Payload: NoticePayload{Message: leftMessage}})
	s.emitPresence(r)
	s.publish(r.Code, m.Key, events.EventTypeMemberRemoved, events.MemberRemovedPayload{Name: m.Name, Reason: "left"})
	return nil
}

// deleteMember drops m, its keys and its connection binding. It returns the
// connection that was bound, if any.
func (s *Service) deleteMember(r *Room, m *Member) string {
	delete(r.members, m.Key)
	for key, gk := range r.guestKeys {
		if gk.MemberKey == m.Key {
			delete(r.guestKeys, key)
		}
	}

	connID := m.ConnID
	if connID != "" {
		delete(s.conns, connID)
	}
	m.Online = false
	m.ConnID = ""
	return connID
}

// HostCloseRoom closes the room on behalf of its host connection.
func (s *Service) HostCloseRoom(ctx context.Context, hostConnID, code string) error {
	s.mu.Lock()
	r, err := s.hostRoom(hostConnID, code)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	session := s.closeLocked(r, hostClosedReason)
	s.mu.Unlock()

	if err := s.history.RecordSession(ctx, session); err != nil {
		s.logger.WithError(err).WithField("room", session.Code).Warn("failed to record room session")
	}
	return nil
}

// participant resolves connID to an approved member of the room.
func (s *Service) participant(connID, code string) (*Room, *Member, error) {
	r := s.lookup(code)
	if r == nil {
		return nil, nil, ErrRoomNotFound
	}
	cc := s.conns[connID]
	if cc == nil || cc.pending || cc.roomCode != r.Code {
		return nil, nil, ErrNotApproved
	}
	m := r.members[cc.memberKey]
	if m == nil {
		return nil, nil, ErrNotApproved
	}
	return r, m, nil
}
