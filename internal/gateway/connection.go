package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/time/rate"

	"voicegateway/internal/protocol"
	"voicegateway/internal/session"
	"voicegateway/internal/store"
)

// datagramHeaderLen is the fixed voice-datagram header per spec §6:
// channel_id(16) + sender_user_id(16) + sequence(4) + timestamp_ms(4) + flags(1).
const datagramHeaderLen = 16 + 16 + 4 + 4 + 1

// conn is the narrow transport handle gateway needs, satisfied by
// *transport.Conn. Kept as an interface so this package never imports
// webtransport-go directly.
type conn interface {
	OpenControlStream(ctx context.Context) (io.ReadWriteCloser, error)
	AcceptControlStream(ctx context.Context) (io.ReadWriteCloser, error)
	SendDatagram(data []byte) error
	RecvDatagram(ctx context.Context) ([]byte, error)
	Close(reason string) error
	RemoteAddr() string
}

// datagramSender adapts a conn to session.DatagramSender.
type datagramSender struct{ c conn }

func (d datagramSender) SendDatagram(data []byte) error { return d.c.SendDatagram(data) }

// HandleConnection is the transport.AcceptFunc entry point: one
// invocation per accepted WebTransport session. Grounded on
// client.go's handleClient lifecycle — accept the control stream,
// authenticate with a deadline, then loop dispatching frames while
// concurrently forwarding inbound voice datagrams.
func (g *Gateway) HandleConnection(ctx context.Context, c conn) {
	stream, err := c.AcceptControlStream(ctx)
	if err != nil {
		log.Printf("[gateway] accept control stream from %s: %v", c.RemoteAddr(), err)
		_ = c.Close("control_stream_failed")
		return
	}
	wire := newControlWire(stream, c)
	machine := protocol.NewMachine()

	sess, ok := g.authenticate(ctx, c, wire, machine)
	if !ok {
		_ = c.Close("auth_failed")
		return
	}
	defer func() {
		machine.Close()
		g.teardown(sess)
	}()

	done := make(chan struct{})
	defer close(done)
	go g.datagramLoop(ctx, c, sess, done)

	g.controlLoop(ctx, wire, sess, machine)
}

// authenticate enforces the auth-timeout deadline (spec §5), validates
// the bearer token, and registers the session on success.
func (g *Gateway) authenticate(ctx context.Context, c conn, wire *controlWire, machine *protocol.Machine) (*session.Session, bool) {
	machine.BeginAuth()
	type result struct {
		frame protocol.Frame
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		f, err := wire.ReadFrame()
		resCh <- result{f, err}
	}()

	timeout := g.cfg.AuthTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var f protocol.Frame
	select {
	case r := <-resCh:
		if r.err != nil {
			log.Printf("[gateway] read auth frame from %s: %v", c.RemoteAddr(), r.err)
			machine.AuthFailed()
			return nil, false
		}
		f = r.frame
	case <-time.After(timeout):
		log.Printf("[gateway] auth timeout from %s", c.RemoteAddr())
		machine.AuthFailed()
		return nil, false
	case <-ctx.Done():
		machine.AuthFailed()
		return nil, false
	}

	if f.Type != protocol.TypeAuthRequest {
		_ = wire.SendControl(mustFrame(protocol.TypeError, f.CorrID, protocol.ErrorFrame{
			Code: protocol.ErrUnauthenticated, Message: "expected auth_request",
		}))
		machine.AuthFailed()
		return nil, false
	}
	var req protocol.AuthRequest
	if err := f.Decode(&req); err != nil {
		machine.AuthFailed()
		return nil, false
	}
	userID, err := g.auth.Verify(ctx, req.Token)
	if err != nil {
		_ = wire.SendControl(mustFrame(protocol.TypeError, f.CorrID, protocol.ErrorFrame{
			Code: protocol.ErrUnauthenticated, Message: "invalid token",
		}))
		machine.AuthFailed()
		return nil, false
	}
	machine.AuthSucceeded()

	sess := g.sessions.Register(c.RemoteAddr()+"#"+userID, userID, datagramSender{c}, wire)

	caps, err := g.store.ResolveEffectiveCapabilities(ctx, g.cfg.ServerID, userID, "")
	var snapshot []string
	if err == nil {
		for _, ec := range caps {
			snapshot = append(snapshot, ec.Capability)
		}
	}
	_ = wire.SendControl(mustFrame(protocol.TypeAuthResponse, f.CorrID, protocol.AuthResponse{
		User: userID, CapsSnapshot: snapshot,
	}))
	return sess, true
}

// teardown runs on every exit path, matching spec §4.4's "drop must be
// idempotent and always remove from ChannelRouter" rule.
func (g *Gateway) teardown(sess *session.Session) {
	g.leaveCurrentChannel(sess)
	g.sessions.Drop(sess)
}

// controlLoop reads framed control messages until the stream closes,
// enforcing a per-connection control-message rate limit (spec §7's
// rate_limited kind).
func (g *Gateway) controlLoop(ctx context.Context, wire *controlWire, sess *session.Session, machine *protocol.Machine) {
	limiter := rate.NewLimiter(rate.Limit(50), 100)
	for {
		f, err := wire.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[gateway] read control frame for %s: %v", sess.UserID, err)
			}
			return
		}
		sess.Touch()

		if !limiter.Allow() {
			_ = sess.SendControl(mustFrame(protocol.TypeError, f.CorrID, protocol.ErrorFrame{
				Code: protocol.ErrRateLimited, Message: "too many control messages",
			}))
			continue
		}

		g.dispatch(ctx, sess, f, machine)
	}
}

// dispatch enforces the spec §4.6 state machine (e.g. post_chat/
// set_mute/move_channel only while InChannel) before handing the
// frame to its operation handler.
func (g *Gateway) dispatch(ctx context.Context, sess *session.Session, f protocol.Frame, machine *protocol.Machine) {
	if err := machine.Accept(f.Type); err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrConflict, err.Error())
		return
	}
	switch f.Type {
	case protocol.TypeJoinChannel:
		g.handleJoin(ctx, sess, f, machine)
	case protocol.TypeLeaveChannel:
		g.handleLeave(ctx, sess, f, machine)
	case protocol.TypeSetMute:
		g.handleSetMute(ctx, sess, f)
	case protocol.TypePostChat:
		g.handlePostChat(ctx, sess, f)
	case protocol.TypeMoveChannel:
		g.handleMoveChannel(ctx, sess, f)
	default:
		g.sendError(sess, f.CorrID, protocol.ErrNotFound, fmt.Sprintf("unhandled frame type %s", f.Type))
	}
}

func (g *Gateway) sendError(sess *session.Session, corrID, code, message string) {
	_ = sess.SendControl(mustFrame(protocol.TypeError, corrID, protocol.ErrorFrame{Code: code, Message: message}))
}

// handleJoin implements spec §4.6's Join: AuthZ check, Store
// transaction (add member + enqueue presence-join), then a separate
// audit write that is not part of that transaction, then
// SessionRegistry.set_channel/ChannelRouter.Move, then reply with a
// ChannelSnapshot.
func (g *Gateway) handleJoin(ctx context.Context, sess *session.Session, f protocol.Frame, machine *protocol.Machine) {
	var req protocol.JoinChannel
	if err := f.Decode(&req); err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "malformed join_channel")
		return
	}

	allowed, err := g.authz.PermittedAll(ctx, g.cfg.ServerID, sess.UserID, req.ChannelID, "channel.join")
	if err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "authz check failed")
		return
	}
	if !allowed {
		g.sendError(sess, f.CorrID, protocol.ErrForbidden, "missing channel.join")
		return
	}

	payload := encodePresencePayload(protocol.PresenceJoin, req.ChannelID, sess.UserID, sess.UserID)
	_, err = g.store.AddMember(ctx, store.Member{
		ChannelID: req.ChannelID, UserID: sess.UserID, DisplayName: sess.UserID, JoinedAt: time.Now(),
	}, store.OutboxInsert{Topic: "presence", Key: req.ChannelID, Payload: payload})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "join failed")
		return
	}
	_ = g.store.RecordAudit(ctx, store.AuditEntry{
		ServerID: g.cfg.ServerID, ActorID: sess.UserID, Action: "join", TargetType: "channel", TargetID: req.ChannelID,
	})

	g.sessions.SetChannel(sess, req.ChannelID, func(s *session.Session, oldID, newID string) {
		g.router.Move(s.ID, oldID, newID, sess)
	})
	g.router.StartDrainer(sess.Done(), req.ChannelID, sess.ID)
	machine.Joined()

	members, err := g.store.ListMembers(ctx, req.ChannelID)
	if err != nil {
		members = nil
	}
	memberViews := make([]protocol.MemberView, 0, len(members))
	for _, m := range members {
		memberViews = append(memberViews, protocol.MemberView{
			UserID: m.UserID, DisplayName: m.DisplayName, Muted: m.Muted, Deafened: m.Deafened,
		})
	}

	limit := g.cfg.RecentChatLimit
	if limit <= 0 {
		limit = 50
	}
	chat, err := g.store.ListRecentChat(ctx, req.ChannelID, limit)
	if err != nil {
		chat = nil
	}
	chatViews := make([]protocol.ChatView, 0, len(chat))
	for _, m := range chat {
		chatViews = append(chatViews, protocol.ChatView{
			ID: m.ID, AuthorID: m.AuthorID, Text: m.Text, Attachments: m.Attachments,
			CreatedAtMs: m.CreatedAt.UnixMilli(),
		})
	}

	_ = sess.SendControl(mustFrame(protocol.TypeChannelSnapshot, f.CorrID, protocol.ChannelSnapshot{
		ChannelID: req.ChannelID, Members: memberViews, RecentChat: chatViews,
	}))
}

// handleLeave implements spec §4.6's Leave.
func (g *Gateway) handleLeave(ctx context.Context, sess *session.Session, f protocol.Frame, machine *protocol.Machine) {
	channelID := sess.ChannelID()
	if channelID == "" {
		g.sendError(sess, f.CorrID, protocol.ErrNotFound, "not in a channel")
		return
	}
	payload := encodePresencePayload(protocol.PresenceLeave, channelID, sess.UserID, sess.UserID)
	_, err := g.store.RemoveMember(ctx, channelID, sess.UserID,
		store.OutboxInsert{Topic: "presence", Key: channelID, Payload: payload})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "leave failed")
		return
	}
	g.leaveCurrentChannel(sess)
	machine.Left()
}

// handleSetMute implements spec §4.6's Mute/Deafen: muting oneself
// requires no capability; muting another requires channel.moderate.
func (g *Gateway) handleSetMute(ctx context.Context, sess *session.Session, f protocol.Frame) {
	var req protocol.SetMute
	if err := f.Decode(&req); err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "malformed set_mute")
		return
	}
	channelID := sess.ChannelID()
	if channelID == "" {
		g.sendError(sess, f.CorrID, protocol.ErrNotFound, "not in a channel")
		return
	}
	if req.TargetUser != sess.UserID {
		allowed, err := g.authz.PermittedAll(ctx, g.cfg.ServerID, sess.UserID, channelID, "channel.moderate")
		if err != nil {
			g.sendError(sess, f.CorrID, protocol.ErrInternal, "authz check failed")
			return
		}
		if !allowed {
			g.sendError(sess, f.CorrID, protocol.ErrForbidden, "missing channel.moderate")
			return
		}
	}

	payload := encodePresencePayload(protocol.PresenceMute, channelID, req.TargetUser, req.TargetUser)
	_, err := g.store.SetMute(ctx, channelID, req.TargetUser, req.Muted,
		store.OutboxInsert{Topic: "presence", Key: channelID, Payload: payload})
	if err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrNotFound, "target not a member")
		return
	}
	if req.TargetUser == sess.UserID {
		sess.SetMuted(req.Muted)
	} else if target, ok := g.sessions.Lookup(req.TargetUser); ok {
		target.SetMuted(req.Muted)
	}
}

// handlePostChat implements spec §4.6's Chat post.
func (g *Gateway) handlePostChat(ctx context.Context, sess *session.Session, f protocol.Frame) {
	var req protocol.PostChat
	if err := f.Decode(&req); err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "malformed post_chat")
		return
	}
	if req.ChannelID != sess.ChannelID() {
		g.sendError(sess, f.CorrID, protocol.ErrNotFound, "not a member of that channel")
		return
	}

	maxText := g.cfg.MaxChatTextBytes
	if maxText <= 0 {
		maxText = 4096
	}
	maxAttach := g.cfg.MaxAttachmentsBytes
	if maxAttach <= 0 {
		maxAttach = 16384
	}
	if len(req.Text) > maxText || len(req.Attachments) > maxAttach {
		g.sendError(sess, f.CorrID, protocol.ErrTooLarge, "chat payload exceeds limit")
		return
	}

	allowed, err := g.authz.PermittedAll(ctx, g.cfg.ServerID, sess.UserID, req.ChannelID, "chat.post")
	if err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "authz check failed")
		return
	}
	if !allowed {
		g.sendError(sess, f.CorrID, protocol.ErrForbidden, "missing chat.post")
		return
	}

	now := time.Now()
	msg := store.ChatMessage{
		ServerID: g.cfg.ServerID, ChannelID: req.ChannelID, AuthorID: sess.UserID,
		Text: req.Text, Attachments: req.Attachments, CreatedAt: now,
	}
	chatEvent := protocol.ChatEvent{Message: protocol.ChatView{
		AuthorID: sess.UserID, Text: req.Text, Attachments: req.Attachments, CreatedAtMs: now.UnixMilli(),
	}}
	payload, err := json.Marshal(chatEvent)
	if err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "encode chat event")
		return
	}
	id, err := g.store.PostChat(ctx, msg, store.OutboxInsert{Topic: "chat", Key: req.ChannelID, Payload: string(payload)})
	if err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "post chat failed")
		return
	}
	_ = id
}

// handleMoveChannel implements the moderator-driven relocate operation
// (channel.moderate-gated per protocol.MoveChannel's doc comment).
func (g *Gateway) handleMoveChannel(ctx context.Context, sess *session.Session, f protocol.Frame) {
	var req protocol.MoveChannel
	if err := f.Decode(&req); err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "malformed move_channel")
		return
	}
	fromChannel := sess.ChannelID()
	allowed, err := g.authz.PermittedAll(ctx, g.cfg.ServerID, sess.UserID, fromChannel, "channel.moderate")
	if err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "authz check failed")
		return
	}
	if !allowed {
		g.sendError(sess, f.CorrID, protocol.ErrForbidden, "missing channel.moderate")
		return
	}
	target, ok := g.sessions.Lookup(req.TargetUser)
	if !ok {
		g.sendError(sess, f.CorrID, protocol.ErrNotFound, "target not connected")
		return
	}
	oldChannel := target.ChannelID()
	payload := encodePresencePayload(protocol.PresenceMove, req.ToChannel, req.TargetUser, req.TargetUser)
	_, err = g.store.MoveMember(ctx, oldChannel, req.ToChannel, req.TargetUser,
		store.OutboxInsert{Topic: "presence", Key: req.ToChannel, Payload: payload})
	if err != nil {
		g.sendError(sess, f.CorrID, protocol.ErrInternal, "move failed")
		return
	}
	g.sessions.SetChannel(target, req.ToChannel, func(s *session.Session, oldID, newID string) {
		g.router.Move(s.ID, oldID, newID, target)
	})
	g.router.StartDrainer(target.Done(), req.ToChannel, target.ID)
}

// datagramLoop forwards inbound voice datagrams into the ChannelRouter
// until done fires. Grounded on client.go's datagram reader task,
// generalized to validate the spec §6 header and discard frames whose
// channel does not match the session's current channel.
func (g *Gateway) datagramLoop(ctx context.Context, c conn, sess *session.Session, done <-chan struct{}) {
	for {
		data, err := c.RecvDatagram(ctx)
		if err != nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}
		if len(data) < datagramHeaderLen {
			continue
		}
		channelID := string(data[0:16])
		currentChannel := sess.ChannelID()
		if currentChannel == "" || channelID != currentChannel {
			continue
		}
		if sess.Muted() {
			continue
		}
		allowed, err := g.authz.PermittedAll(ctx, g.cfg.ServerID, sess.UserID, currentChannel, "channel.speak")
		if err != nil || !allowed {
			continue
		}
		g.router.Forward(currentChannel, sess.ID, data)
	}
}
