package smtpclient

import (
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"unicode"

	"blitiri.com.ar/go/relayd/internal/envelope"

	"golang.org/x/net/idna"
)

// wireClient wraps net/smtp.Client, adding SMTPUTF8-aware MAIL/RCPT
// commands. This is the part of the SMTP wire protocol the core
// delegates to on the outbound side; everything above it (what to
// retry, how many connections to keep open) stays in the core.
type wireClient struct {
	*smtp.Client
}

func newWireClient(conn net.Conn, host string) (*wireClient, error) {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, err
	}
	return &wireClient{c}, nil
}

func (c *wireClient) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)

	return c.Text.ReadResponse(expectCode)
}

// mail issues MAIL FROM exactly once per envelope, carrying any
// envelope sender arguments (e.g. a future SIZE= or other ESMTP
// parameter) and the SMTPUTF8 parameter if this envelope's sender or
// any of its recipients need it. Must be followed by one rcpt call per
// recipient, never by another mail call: a second MAIL FROM within the
// same transaction is a protocol violation most servers reject.
func (c *wireClient) mail(from string, senderArgs []string, recipientsNeedUTF8 bool) error {
	from, fromNeeds, err := c.prepareForSMTPUTF8(from)
	if err != nil {
		return err
	}
	needsUTF8 := fromNeeds || recipientsNeedUTF8

	cmdStr := fmt.Sprintf("MAIL FROM:<%s>", from)
	if ok, _ := c.Extension("8BITMIME"); ok {
		cmdStr += " BODY=8BITMIME"
	}
	if needsUTF8 {
		cmdStr += " SMTPUTF8"
	}
	for _, arg := range senderArgs {
		cmdStr += " " + arg
	}

	_, _, err = c.cmd(250, "%s", cmdStr)
	return err
}

// rcpt issues one RCPT TO command for one recipient of the envelope
// already opened by mail.
func (c *wireClient) rcpt(to string) error {
	to, _, err := c.prepareForSMTPUTF8(to)
	if err != nil {
		return err
	}

	_, _, err = c.cmd(250, "RCPT TO:<%s>", to)
	return err
}

// needsSMTPUTF8 reports whether any of the given addresses contains
// non-ASCII characters, which determines whether MAIL FROM must carry
// the SMTPUTF8 parameter for the whole transaction.
func needsSMTPUTF8(addrs ...string) bool {
	for _, a := range addrs {
		if !isASCII(a) {
			return true
		}
	}
	return false
}

// prepareForSMTPUTF8 prepares the address for SMTPUTF8.
func (c *wireClient) prepareForSMTPUTF8(addr string) (string, bool, error) {
	if isASCII(addr) {
		return addr, false, nil
	}

	if ok, _ := c.Extension("SMTPUTF8"); ok {
		return addr, true, nil
	}

	user, domain := envelope.Split(addr)

	if !isASCII(user) {
		return addr, true, &textproto.Error{Code: 599,
			Msg: "local part is not ASCII but server does not support SMTPUTF8"}
	}

	domain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, true, &textproto.Error{Code: 599,
			Msg: "non-ASCII domain is not IDNA safe"}
	}

	return user + "@" + domain, false, nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// asReply converts a textproto error, if that's what err is, into a
// Reply. Otherwise it returns ok == false.
func asReply(err error) (Reply, bool) {
	if tpErr, ok := err.(*textproto.Error); ok {
		return Reply{Code: tpErr.Code, Msg: tpErr.Msg}, true
	}
	return Reply{}, false
}
