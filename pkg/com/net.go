package com

import (
	"context"
	"net/http"
	"net/url"

	"github.com/convergence/peerlink/pkg/api"
	"github.com/convergence/peerlink/pkg/logger"
	"github.com/convergence/peerlink/pkg/network/websocket"
)

type (
	Connector struct {
		wu *websocket.Upgrader
	}
	Option = func(c *Connector)
)

func WithOrigin(url string) Option { return func(c *Connector) { c.wu = websocket.NewUpgrader(url) } }

func NewConnector(opts ...Option) *Connector {
	c := &Connector{}
	for _, opt := range opts {
		opt(c)
	}
	if c.wu == nil {
		c.wu = &websocket.DefaultUpgrader
	}
	return c
}

func (co *Connector) NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*Client, error) {
	ws, err := websocket.NewServer(co.wu, w, r, log)
	if err != nil {
		return nil, err
	}
	return NewClient(ws, NewUid(), log), nil
}

func (co *Connector) NewClient(ctx context.Context, address url.URL, log *logger.Logger) (*Client, error) {
	ws, err := websocket.NewClient(ctx, address, log)
	if err != nil {
		return nil, err
	}
	return NewClient(ws, NewUid(), log), nil
}

// Client is a packet connection on top of a websocket.
type Client struct {
	id   Uid
	conn *websocket.WS
	log  *logger.Logger // a special logger for showing x -> y directions
}

func NewClient(conn *websocket.WS, id Uid, log *logger.Logger) *Client {
	if id.IsNil() {
		id = NewUid()
	}
	dir := "→"
	if conn.IsServer() {
		dir = "←"
	}
	dirClLog := log.Extend(log.With().
		Str(logger.ClientField, id.Short()).
		Str(logger.DirectionField, dir),
	)
	dirClLog.Debug().Msg("Connect")
	return &Client{conn: conn, id: id, log: dirClLog}
}

// OnPacket sets the handler of incoming packets.
// Packets of unknown types never reach the handler.
func (c *Client) OnPacket(fn func(in api.In) error) {
	c.conn.SetMessageHandler(func(message []byte, err error) {
		if err != nil {
			c.log.Error().Err(err).Send()
			return
		}
		in, err := api.Decode(message)
		if err != nil {
			c.log.Warn().Err(err).Msg("Skip packet")
			return
		}
		c.log.Debug().Str(logger.DirectionField, "←").Msgf("%v", in.T)
		if err = fn(in); err != nil {
			c.log.Error().Err(err).Msgf("%v", in.T)
		}
	})
}

// Send encodes and queues a packet.
func (c *Client) Send(t api.PT, payload any) error {
	data, err := api.Encode(t, payload)
	if err != nil {
		return err
	}
	c.log.Debug().Str(logger.DirectionField, "→").Msgf("%v", t)
	return c.conn.Write(data)
}

func (c *Client) Disconnect() {
	c.conn.Close()
	c.log.Debug().Str(logger.DirectionField, "x").Msg("Close")
}

func (c *Client) Id() Uid               { return c.id }
func (c *Client) Listen() chan struct{} { return c.conn.Listen() }
func (c *Client) Done() chan struct{}   { return c.conn.Done() }
func (c *Client) Log() *logger.Logger   { return c.log }
func (c *Client) String() string        { return c.Id().String() }
