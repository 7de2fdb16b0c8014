// Package quic adapts a QUIC connection to the transport contract. Each
// side speaks over a single bidirectional stream carrying length-prefixed
// frames (u32 LE), one envelope per frame.
package quic

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/panta82/duplex-message/pkg/message"
	"github.com/panta82/duplex-message/pkg/message/codec"
)

const alpnProto = "duplex-message"

const maxFrameSize = 1 << 24

// Conn is one side of an established QUIC link.
type Conn struct {
	conn   quicgo.Connection
	st     quicgo.Stream
	br     *bufio.Reader
	bw     *bufio.Writer
	reg    *codec.Registry
	format message.Format
	wmu    sync.Mutex
	done   chan struct{}
	once   sync.Once
}

// Listener accepts inbound peer connections.
type Listener struct {
	l      *quicgo.Listener
	reg    *codec.Registry
	format message.Format
}

// Listen starts a QUIC listener with an ephemeral self-signed certificate.
// Peer identity is established at the hub layer, not by TLS.
func Listen(addr string, reg *codec.Registry, format message.Format) (*Listener, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
		MinVersion:   tls.VersionTLS13,
	}
	l, err := quicgo.ListenAddr(addr, tlsConf, &quicgo.Config{})
	if err != nil {
		return nil, err
	}
	return &Listener{l: l, reg: reg, format: format}, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() string { return l.l.Addr().String() }

// Accept blocks for the next inbound connection and opens its control
// stream (the dialer opens the stream; the acceptor accepts it).
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	conn, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no control stream")
		return nil, err
	}
	return newConn(conn, st, l.reg, l.format), nil
}

func (l *Listener) Close() error { return l.l.Close() }

// Dial connects to a listening peer. The server certificate is not
// verified; identity is exchanged at the hub layer.
func Dial(ctx context.Context, addr string, reg *codec.Registry, format message.Format) (*Conn, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quicgo.DialAddr(ctx, addr, tlsConf, &quicgo.Config{})
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no control stream")
		return nil, err
	}
	return newConn(conn, st, reg, format), nil
}

func newConn(conn quicgo.Connection, st quicgo.Stream, reg *codec.Registry, format message.Format) *Conn {
	return &Conn{
		conn:   conn,
		st:     st,
		br:     bufio.NewReader(st),
		bw:     bufio.NewWriter(st),
		reg:    reg,
		format: format,
		done:   make(chan struct{}),
	}
}

func (c *Conn) Bind(deliver func(env *message.Envelope)) {
	go c.readLoop(deliver)
}

func (c *Conn) SendMessage(ctx context.Context, _ string, env *message.Envelope) error {
	frame, err := message.Encode(c.reg, c.format, env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.st.SetWriteDeadline(deadline)
		defer func() { _ = c.st.SetWriteDeadline(time.Time{}) }()
	}
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(frame)))
	if _, err := c.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(frame); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.CloseWithError(0, "")
	})
	return err
}

func (c *Conn) readLoop(deliver func(env *message.Envelope)) {
	for {
		frame, err := c.recvFrame()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					zap.L().Warn("quic: read failed", zap.Error(err))
				}
			}
			return
		}
		env, err := message.Decode(c.reg, frame)
		if err != nil {
			zap.L().Warn("quic: dropping undecodable frame", zap.Error(err))
			continue
		}
		deliver(env)
	}
}

func (c *Conn) recvFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(c.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n <= 0 || n > maxFrameSize {
		return nil, errors.New("quic: invalid frame size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// local use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
