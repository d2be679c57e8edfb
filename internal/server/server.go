package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/npezzotti/go-dm/internal/chat"
	"github.com/npezzotti/go-dm/internal/presence"
	"github.com/npezzotti/go-dm/internal/stats"
	"github.com/npezzotti/go-dm/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	metricActiveClients = "NumActiveClients"
	metricOnlineUsers   = "NumOnlineUsers"

	presenceWriteTimeout = 5 * time.Second
)

var ErrServerStopped = errors.New("chat server stopped")

// PresenceStore persists derived online state.
type PresenceStore interface {
	SetUserPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error
}

type Options struct {
	// SendRate and SendBurst bound message:send events per connection.
	SendRate  float64
	SendBurst int
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log            zerolog.Logger
	svc            chat.ChatService
	store          PresenceStore
	tracker        *presence.Tracker
	stats          stats.StatsProvider
	opts           Options
	clients        map[*Client]struct{}
	userMap        map[string]map[*Client]struct{}
	clientsLock    sync.RWMutex
	registerChan   chan *Client
	deregisterChan chan *Client
	broadcastChan  chan *ServerMessage
	presenceChan   chan presence.Transition
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger zerolog.Logger, svc chat.ChatService, store PresenceStore, tracker *presence.Tracker, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if tracker == nil {
		return nil, errors.New("presence tracker is required")
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 10
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 20
	}

	su.RegisterMetric(metricActiveClients)
	su.RegisterMetric(metricOnlineUsers)

	return &ChatServer{
		log:            logger.With().Str("component", "hub").Logger(),
		svc:            svc,
		store:          store,
		tracker:        tracker,
		stats:          su,
		opts:           opts,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[string]map[*Client]struct{}),
		registerChan:   make(chan *Client, 64),
		deregisterChan: make(chan *Client, 64),
		broadcastChan:  make(chan *ServerMessage, 256),
		presenceChan:   make(chan presence.Transition, 256),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	workerDone := make(chan struct{})
	go cs.persistPresence(workerDone)

	for {
		select {
		case c := <-cs.registerChan:
			cs.handleRegister(c)
		case c := <-cs.deregisterChan:
			cs.handleDeregister(c)
		case msg := <-cs.broadcastChan:
			cs.handleBroadcast(msg)
		case req := <-cs.stop:
			cs.log.Info().Msg("stopping clients")
			for _, c := range cs.allClients() {
				cs.removeClient(c)
				if t, ok := cs.tracker.Deregister(c.user.Id, c.id); ok {
					cs.stats.Decr(metricOnlineUsers)
					cs.presenceChan <- t
				}
				c.stopClient()
			}

			close(cs.done)
			close(cs.presenceChan)
			<-workerDone

			close(req.done)
			return
		}
	}
}

// persistPresence writes presence transitions in the order they occurred.
// Failures are logged and otherwise ignored.
func (cs *ChatServer) persistPresence(done chan<- struct{}) {
	defer close(done)

	for t := range cs.presenceChan {
		if cs.store == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
		err := cs.store.SetUserPresence(ctx, t.UserId, t.Online, t.LastSeen)
		cancel()
		if err != nil {
			cs.log.Warn().Err(err).Str("user_id", t.UserId).Bool("online", t.Online).Msg("persist presence")
		}
	}
}

func (cs *ChatServer) handleRegister(c *Client) {
	cs.addClient(c)
	close(c.admitted)

	t, ok := cs.tracker.Register(c.user.Id, c.id)
	if !ok {
		return
	}

	cs.log.Debug().Str("user_id", c.user.Id).Msg("user online")
	cs.stats.Incr(metricOnlineUsers)
	cs.presenceChan <- t
	cs.handleBroadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventUserOnline,
		Data:        types.Presence{UserId: c.user.Id, IsOnline: true},
		SkipUserId:  c.user.Id,
	})
}

func (cs *ChatServer) handleDeregister(c *Client) {
	if !cs.removeClient(c) {
		return
	}

	t, ok := cs.tracker.Deregister(c.user.Id, c.id)
	if !ok {
		return
	}

	cs.log.Debug().Str("user_id", c.user.Id).Msg("user offline")
	cs.stats.Decr(metricOnlineUsers)
	cs.presenceChan <- t
	lastSeen := t.LastSeen
	cs.handleBroadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventUserOffline,
		Data:        types.Presence{UserId: c.user.Id, IsOnline: false, LastSeen: &lastSeen},
		SkipUserId:  c.user.Id,
	})
}

func (cs *ChatServer) handleBroadcast(msg *ServerMessage) {
	var targets []*Client
	if msg.UserId != "" {
		targets = cs.getClients(msg.UserId)
	} else {
		for _, c := range cs.allClients() {
			if msg.SkipUserId != "" && c.user.Id == msg.SkipUserId {
				continue
			}
			targets = append(targets, c)
		}
	}

	for _, c := range targets {
		if c == msg.SkipClient {
			continue
		}
		if !c.queueMessage(msg) {
			cs.log.Warn().Str("user_id", c.user.Id).Str("event", msg.Event).Msg("dropped event for slow client")
		}
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

// removeClient reports whether c was registered.
func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}

	delete(cs.clients, c)
	if conns, ok := cs.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.stats.Decr(metricActiveClients)

	return true
}

func (cs *ChatServer) getClients(userId string) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		clients = append(clients, c)
	}

	return clients
}

func (cs *ChatServer) allClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}

	return clients
}

func (cs *ChatServer) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cs.opts.SendRate), cs.opts.SendBurst)
}

// RegisterClient admits c to its user's channel and waits until the run
// loop has recorded it, so a later DeregisterClient cannot overtake it.
func (cs *ChatServer) RegisterClient(c *Client) error {
	select {
	case cs.registerChan <- c:
	case <-cs.done:
		return ErrServerStopped
	}

	select {
	case <-c.admitted:
		return nil
	case <-cs.done:
		return ErrServerStopped
	}
}

func (cs *ChatServer) DeregisterClient(c *Client) {
	select {
	case cs.deregisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) broadcast(msg *ServerMessage) bool {
	select {
	case cs.broadcastChan <- msg:
		return true
	case <-cs.done:
		return false
	}
}

// MessageCreated delivers message:new to the receiver's channel.
func (cs *ChatServer) MessageCreated(msg types.Message) {
	cs.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventMessageNew,
		Data:        msg,
		UserId:      msg.ReceiverId,
	})
}

func (cs *ChatServer) MessagesRead(receipt types.ReadReceipt, notifyUserId string) {
	cs.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventMessageRead,
		Data:        receipt,
		UserId:      notifyUserId,
	})
}

func (cs *ChatServer) ConversationDeleted(ev types.ConversationDeleted, notifyUserId string) {
	cs.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       EventConversationDeleted,
		Data:        ev,
		UserId:      notifyUserId,
	})
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		cs.log.Info().Msg("chat server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
