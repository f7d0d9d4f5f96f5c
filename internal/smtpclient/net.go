package smtpclient

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Config controls the default, net/smtp based Dialer.
type Config struct {
	// HelloDomain is sent in the EHLO/HELO command.
	HelloDomain string

	// DialTimeout bounds establishing the TCP connection and the
	// initial greeting/HELO exchange.
	DialTimeout time.Duration

	// SendReceiveTimeout bounds each individual SMTP command/response.
	SendReceiveTimeout time.Duration

	// FinalOkTimeout bounds waiting for the final "250 OK" after DATA.
	FinalOkTimeout time.Duration

	// MaxUses is the maximum number of envelopes to send over one
	// connection before the cache is told to close it instead of
	// reusing it. Zero means unlimited.
	MaxUses int
}

func (c Config) withDefaults() Config {
	if c.HelloDomain == "" {
		c.HelloDomain = "localhost"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 1 * time.Minute
	}
	if c.SendReceiveTimeout == 0 {
		c.SendReceiveTimeout = 2 * time.Second
	}
	if c.FinalOkTimeout == 0 {
		c.FinalOkTimeout = 5 * time.Second
	}
	return c
}

// NetDialer is the default Dialer: it opens a plain TCP connection,
// says hello, and opportunistically upgrades to STARTTLS (without
// certificate validation — certificate loading/verification policy is
// TLS-configuration scope, out of this core).
type NetDialer struct {
	cfg Config
}

// NewDialer returns a Dialer using the given configuration.
func NewDialer(cfg Config) *NetDialer {
	return &NetDialer{cfg: cfg.withDefaults()}
}

func (d *NetDialer) Dial(ctx context.Context, addr string) (Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(d.cfg.DialTimeout))

	wc, err := newWireClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err = wc.Hello(d.cfg.HelloDomain); err != nil {
		wc.Close()
		return nil, err
	}

	if ok, _ := wc.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: host, InsecureSkipVerify: true}
		if err := wc.StartTLS(tlsConfig); err != nil {
			// Fall back to the plaintext connection; a broken STARTTLS
			// handshake is rare but shouldn't take the whole hop down.
			_ = err
		}
	}

	return &netClient{wc: wc, cfg: d.cfg, conn: conn}, nil
}

type netClient struct {
	wc   *wireClient
	cfg  Config
	conn net.Conn

	uses    int
	healthy bool
}

func (c *netClient) Uses() int     { return c.uses }
func (c *netClient) Healthy() bool { return c.healthy }
func (c *netClient) Close() error  { return c.wc.Close() }

func (c *netClient) SendEnvelope(ctx context.Context, env Envelope) (EnvelopeStatus, error) {
	c.healthy = false
	c.conn.SetDeadline(time.Now().Add(c.cfg.SendReceiveTimeout))

	from := env.Sender
	if from == "<>" {
		from = ""
	}

	if err := c.wc.mail(from, env.SenderArgs, needsSMTPUTF8(env.Recipients...)); err != nil {
		reply, ok := asReply(err)
		if !ok {
			// A non-protocol error (connection broke) invalidates the
			// whole attempt.
			return EnvelopeStatus{}, err
		}
		c.healthy = true
		return EnvelopeStatus{Kind: RejectedSender, EnvelopeReply: reply}, nil
	}

	var rejected []RecipientReply
	accepted := make([]string, 0, len(env.Recipients))

	for _, to := range env.Recipients {
		c.conn.SetDeadline(time.Now().Add(c.cfg.SendReceiveTimeout))
		err := c.wc.rcpt(to)
		if err == nil {
			accepted = append(accepted, to)
			continue
		}

		reply, ok := asReply(err)
		if !ok {
			// A non-protocol error (connection broke) invalidates the
			// whole attempt.
			return EnvelopeStatus{}, err
		}
		rejected = append(rejected, RecipientReply{Recipient: to, Reply: reply})
	}

	if len(accepted) == 0 {
		c.healthy = true
		return EnvelopeStatus{Kind: NoRecipients, Rejected: rejected}, nil
	}

	c.conn.SetDeadline(time.Now().Add(c.cfg.SendReceiveTimeout))
	w, err := c.wc.Data()
	if err != nil {
		reply, ok := asReply(err)
		if !ok {
			return EnvelopeStatus{}, err
		}
		c.healthy = true
		return EnvelopeStatus{Kind: RejectedBody, EnvelopeReply: reply, Rejected: rejected}, nil
	}

	if _, err = w.Write(env.Body); err != nil {
		return EnvelopeStatus{}, err
	}

	c.conn.SetDeadline(time.Now().Add(c.cfg.FinalOkTimeout))
	if err = w.Close(); err != nil {
		reply, ok := asReply(err)
		if !ok {
			return EnvelopeStatus{}, err
		}
		c.healthy = true
		return EnvelopeStatus{Kind: RejectedBody, EnvelopeReply: reply, Rejected: rejected}, nil
	}

	c.uses++
	if c.cfg.MaxUses == 0 || c.uses < c.cfg.MaxUses {
		c.healthy = true
	}

	return EnvelopeStatus{Kind: Ok, Rejected: rejected}, nil
}
