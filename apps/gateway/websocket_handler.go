package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mahaj/pulsechat/pkg/auth"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is a middleman between the websocket connection and the session.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *session.Conn
}

// readPump hands every inbound frame to the session manager, one at a time,
// so a connection's own requests are processed in order.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.sessions.Close(c.session)
		c.conn.Close()
		c.hub.unregister(c)
	}()
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				glog.Errorf("gateway: %s read error: %v", c.session.ID(), err)
			} else if errors.Is(err, websocket.ErrReadLimit) {
				glog.Errorf("gateway: %s frame over %d bytes", c.session.ID(), c.hub.cfg.MaxMessageSize)
			}
			return
		}
		c.hub.sessions.Handle(ctx, c.session, message)
	}
}

// writePump drains the session outbox, one frame per websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.session.Outbox():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.session.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, closeFrame(c.session.Err()))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeFrame(cause error) []byte {
	switch {
	case cause == nil:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	case errors.Is(cause, session.ErrSlowConsumer):
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, cause.Error())
	}
	return websocket.FormatCloseMessage(websocket.CloseInternalServerErr, cause.Error())
}

// serveWs upgrades the request. A token is optional; when one is present it
// must be valid, and the connection may then only join as its identity.
func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	var authID identity.ID
	if tokenString := auth.TokenFromRequest(r); tokenString != "" {
		claims, err := h.issuer.ValidateToken(tokenString)
		if err != nil {
			glog.Errorf("gateway: unauthorized: %v", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		authID = claims.Identity
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("gateway: upgrade error: %v", err)
		return
	}

	client := &Client{hub: h, conn: conn, session: h.sessions.Open(authID)}
	if !h.register(client) {
		h.sessions.Close(client.session)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	// The request context ends with this handler; connections hang off the hub.
	ctx := h.ctx
	go client.writePump()
	go client.readPump(ctx)
}
