package main

import (
	"math/rand"
	"strings"

	"github.com/Zereker/mpnet"
)

// Request codes shared with the game client.
const (
	codeUserID int16 = iota + 1
	codeJoinRoom
	codeLeaveRoom
	codeCreateRoom
	codeRoomInfo
	codeSetUsername
	codeSetLocation
)

// Status bytes sent back for room operations.
const (
	statusOK       int8 = 0
	statusNotFound int8 = 1 // no such room, or not in a room
	statusFull     int8 = 2
)

const (
	maxRoomSize     = 4
	roomCodeLength  = 4
	defaultUsername = "Unnamed Player"
)

type location struct {
	X, Y, Z float32
}

// lobby owns every room. It is only touched from Handle, which runs on the
// dispatch goroutine, so it needs no locking.
type lobby struct {
	rooms map[string]*room
	rand  *rand.Rand
}

func newLobby(seed int64) *lobby {
	return &lobby{
		rooms: make(map[string]*room),
		rand:  rand.New(rand.NewSource(seed)),
	}
}

func (l *lobby) newCode() string {
	for {
		var sb strings.Builder
		for i := 0; i < roomCodeLength; i++ {
			sb.WriteByte(byte('A' + l.rand.Intn(26)))
		}
		if _, taken := l.rooms[sb.String()]; !taken {
			return sb.String()
		}
	}
}

func (l *lobby) create(leader *player) *room {
	r := &room{code: l.newCode(), players: []*player{leader}}
	l.rooms[r.code] = r
	return r
}

func (l *lobby) find(code string) *room {
	if len(code) != roomCodeLength {
		return nil
	}
	return l.rooms[strings.ToUpper(code)]
}

type room struct {
	code    string
	players []*player // players[0] leads the room
}

func (r *room) add(p *player) bool {
	if len(r.players) >= maxRoomSize {
		return false
	}
	for _, other := range r.players {
		if other == p {
			return false
		}
	}
	r.players = append(r.players, p)
	return true
}

// remove drops p and reports whether it was a member. An emptied room is
// removed from the lobby.
func (r *room) remove(l *lobby, p *player) bool {
	for i, other := range r.players {
		if other != p {
			continue
		}
		r.players = append(r.players[:i], r.players[i+1:]...)
		if len(r.players) == 0 {
			delete(l.rooms, r.code)
		}
		return true
	}
	return false
}

// player is the per-connection driver.
type player struct {
	lobby    *lobby
	conn     *mpnet.Conn
	username string
	room     *room
	location location
}

func newPlayerFactory(l *lobby) mpnet.DriverFactory {
	return func(c *mpnet.Conn) (mpnet.Driver, error) {
		return &player{lobby: l, conn: c, username: defaultUsername}, nil
	}
}

func (p *player) Decode(code int16, r *mpnet.Reader) (any, error) {
	switch code {
	case codeJoinRoom, codeSetUsername:
		return r.ReadString()
	case codeSetLocation:
		var loc location
		var err error
		if loc.X, err = r.ReadF32(); err != nil {
			return nil, err
		}
		if loc.Y, err = r.ReadF32(); err != nil {
			return nil, err
		}
		if loc.Z, err = r.ReadF32(); err != nil {
			return nil, err
		}
		return loc, nil
	default:
		return nil, nil
	}
}

func (p *player) Handle(c *mpnet.Conn, req mpnet.Request) error {
	switch req.Kind {
	case mpnet.Connected:
		return nil
	case mpnet.Disconnected:
		p.leave()
		return nil
	}

	w := c.Writer()
	switch req.Code {
	case codeUserID:
		return respond(w, req.Code, func() error {
			return w.WriteString(c.ID().String())
		})
	case codeJoinRoom:
		return respond(w, req.Code, func() error {
			r := p.lobby.find(req.Payload.(string))
			if r == nil {
				return w.WriteS8(statusNotFound)
			}
			if r == p.room || !r.add(p) {
				return w.WriteS8(statusFull)
			}
			p.leave()
			p.room = r
			return w.WriteS8(statusOK)
		})
	case codeLeaveRoom:
		return respond(w, req.Code, func() error {
			if !p.leave() {
				return w.WriteS8(statusNotFound)
			}
			return w.WriteS8(statusOK)
		})
	case codeCreateRoom:
		p.leave()
		p.room = p.lobby.create(p)
		return respond(w, req.Code, func() error {
			return w.WriteString(p.room.code)
		})
	case codeRoomInfo:
		return respond(w, req.Code, func() error {
			if p.room == nil {
				return w.WriteS8(statusNotFound)
			}
			if err := w.WriteS8(statusOK); err != nil {
				return err
			}
			if err := w.WriteString(p.room.code); err != nil {
				return err
			}
			if err := w.WriteS8(int8(len(p.room.players))); err != nil {
				return err
			}
			for _, member := range p.room.players {
				if err := w.WriteString(member.username); err != nil {
					return err
				}
			}
			return nil
		})
	case codeSetUsername:
		p.username = req.Payload.(string)
		return respond(w, req.Code, func() error {
			return w.WriteString(p.username)
		})
	case codeSetLocation:
		p.location = req.Payload.(location)
		return p.broadcastLocation()
	default:
		return nil
	}
}

// leave takes p out of its room and reports whether it was in one.
func (p *player) leave() bool {
	if p.room == nil {
		return false
	}
	left := p.room.remove(p.lobby, p)
	p.room = nil
	return left
}

// broadcastLocation relays p's position to the rest of its room. A member
// whose write fails is skipped; its own listener will notice the broken peer.
func (p *player) broadcastLocation() error {
	if p.room == nil {
		return nil
	}
	for _, member := range p.room.players {
		if member == p || member.conn.IsClosed() {
			continue
		}
		w := member.conn.Writer()
		_ = respond(w, codeSetLocation, func() error {
			if err := w.WriteString(p.username); err != nil {
				return err
			}
			if err := w.WriteF32(p.location.X); err != nil {
				return err
			}
			if err := w.WriteF32(p.location.Y); err != nil {
				return err
			}
			return w.WriteF32(p.location.Z)
		})
	}
	return nil
}

// respond writes one frame with the body produced by body and flushes it.
func respond(w *mpnet.Writer, code int16, body func() error) error {
	if err := w.WriteHeader(code); err != nil {
		return err
	}
	if err := body(); err != nil {
		return err
	}
	return w.Flush()
}
