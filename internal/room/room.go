package room

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/traklist/server/pkg/models"
)

const (
	HostMemberKey = "HOST"

	// DownvoteThreshold removes a queue item once its votes fall to it.
	DownvoteThreshold = -3

	maxNameLength = 20
)

// Tokens is the provider credential pair a room plays through.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Member struct {
	Key      string
	Name     string
	IsHost   bool
	JoinedAt time.Time
	Online   bool
	ConnID   string
}

type PendingGuest struct {
	ConnID      string
	Name        string
	RequestedAt time.Time
}

type GuestKey struct {
	Key       string
	MemberKey string
	Name      string
	IssuedAt  time.Time
}

// Room is guarded by the owning Service's mutex, except for reconcile.
type Room struct {
	Code      string
	CreatedAt time.Time
	Host      models.HostProfile

	tokens     Tokens
	queue      []*models.QueueItem
	nowPlaying *models.NowPlaying
	members    map[string]*Member
	pending    map[string]*PendingGuest
	guestKeys  map[string]*GuestKey
	hostConnID string

	reconcile flight

	tracksAdded int
	votesCast   int
	peakOnline  int
}

func newRoom(code string, host models.HostProfile, tokens Tokens, now time.Time) *Room {
	r := &Room{
		Code:      code,
		CreatedAt: now,
		Host:      host,
		tokens:    tokens,
		members:   make(map[string]*Member),
		pending:   make(map[string]*PendingGuest),
		guestKeys: make(map[string]*GuestKey),
	}
	r.members[HostMemberKey] = &Member{
		Key:      HostMemberKey,
		Name:     host.Name,
		IsHost:   true,
		JoinedAt: now,
	}
	return r
}

// flight admits one task at a time. Starting while one runs is a no-op.
type flight struct {
	running atomic.Bool
}

func (f *flight) tryStart() bool { return f.running.CompareAndSwap(false, true) }
func (f *flight) done()          { f.running.Store(false) }

func (r *Room) host() *Member {
	return r.members[HostMemberKey]
}

func (r *Room) onlineCount() int {
	n := 0
	for _, m := range r.members {
		if m.Online {
			n++
		}
	}
	return n
}

// memberList orders the host first, then guests by join time.
func (r *Room) memberList() []models.Member {
	list := make([]models.Member, 0, len(r.members))
	for _, m := range r.members {
		list = append(list, models.Member{
			ID:       m.Key,
			Name:     m.Name,
			IsHost:   m.IsHost,
			Online:   m.Online,
			JoinedAt: m.JoinedAt,
		})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].IsHost != list[j].IsHost {
			return list[i].IsHost
		}
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (r *Room) pendingList() []models.PendingGuest {
	list := make([]models.PendingGuest, 0, len(r.pending))
	for _, p := range r.pending {
		list = append(list, models.PendingGuest{
			ID:          p.ConnID,
			Name:        p.Name,
			RequestedAt: p.RequestedAt,
		})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].RequestedAt.Equal(list[j].RequestedAt) {
			return list[i].RequestedAt.Before(list[j].RequestedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// sortedQueue orders by votes descending, then earliest insertion.
func (r *Room) sortedQueue() []models.QueueItem {
	items := make([]models.QueueItem, 0, len(r.queue))
	for _, item := range r.queue {
		items = append(items, *item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Votes != items[j].Votes {
			return items[i].Votes > items[j].Votes
		}
		return items[i].AddedAt.Before(items[j].AddedAt)
	})
	return items
}

// TrackRef identifies a queue item by its own id, else by track id.
type TrackRef struct {
	QueueItemID string
	TrackID     string
	AddedAt     time.Time
}

func (r *Room) indexByQueueItemID(id string) int {
	for i, item := range r.queue {
		if item.QueueItemID == id {
			return i
		}
	}
	return -1
}

func (r *Room) indexForVote(ref TrackRef) int {
	if ref.QueueItemID != "" {
		return r.indexByQueueItemID(ref.QueueItemID)
	}
	for i, item := range r.queue {
		if item.ID == ref.TrackID {
			return i
		}
	}
	return -1
}

func (r *Room) indexForRemoval(ref TrackRef) int {
	if ref.QueueItemID != "" {
		return r.indexByQueueItemID(ref.QueueItemID)
	}
	if ref.TrackID == "" || ref.AddedAt.IsZero() {
		return -1
	}
	for i, item := range r.queue {
		if item.ID == ref.TrackID && item.AddedAt.Equal(ref.AddedAt) {
			return i
		}
	}
	return -1
}

func (r *Room) removeAt(i int) *models.QueueItem {
	item := r.queue[i]
	r.queue = append(r.queue[:i], r.queue[i+1:]...)
	return item
}

func (r *Room) summary() models.RoomSummary {
	s := models.RoomSummary{
		ID:           r.Code,
		Host:         r.Host,
		QueueLength:  len(r.queue),
		MemberCount:  len(r.members),
		OnlineCount:  r.onlineCount(),
		PendingCount: len(r.pending),
		CreatedAt:    r.CreatedAt,
	}
	if r.nowPlaying != nil {
		np := *r.nowPlaying
		s.NowPlaying = &np
	}
	return s
}

// NormalizeCode canonicalizes a user-typed room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalizeName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxNameLength {
		name = strings.TrimSpace(string([]rune(name)[:maxNameLength]))
	}
	if name == "" {
		return fallback
	}
	return name
}
