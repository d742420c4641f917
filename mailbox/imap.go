// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package mailbox

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/mmp/mbk/archive"
	u "github.com/mmp/mbk/util"
	"github.com/pkg/errors"
)

const (
	inbox           = "INBOX"
	defaultIMAPPort = "993"
)

// IMAPAccount holds what's needed to log in to an IMAP server.
type IMAPAccount struct {
	Server   string
	User     string
	Password string
	// Dial connects to the server; DialTLS is used if it's nil.
	Dial func(addr string) (*client.Client, error)
	Log  *u.Logger
}

func (a *IMAPAccount) addr() string {
	if _, _, err := net.SplitHostPort(a.Server); err == nil {
		return a.Server
	}
	return net.JoinHostPort(a.Server, defaultIMAPPort)
}

func (a *IMAPAccount) String() string {
	return "imap:" + a.User + "@" + a.Server
}

func (a *IMAPAccount) login() (*client.Client, error) {
	dial := a.Dial
	if dial == nil {
		dial = func(addr string) (*client.Client, error) {
			return client.DialTLS(addr, nil)
		}
	}
	c, err := dial(a.addr())
	if err != nil {
		return nil, errors.Wrapf(err, "%s: connecting", a)
	}
	if err := c.Login(a.User, a.Password); err != nil {
		c.Logout()
		return nil, errors.Wrapf(err, "%s: logging in", a)
	}
	a.Log.Debug("%s: logged in", a)
	return c, nil
}

// IMAPSource provides every message in the account's INBOX, as
// RFC 822 bytes, ordered by sequence number.
type IMAPSource struct {
	IMAPAccount
	c *client.Client
}

func NewIMAPSource(acct IMAPAccount) *IMAPSource {
	return &IMAPSource{IMAPAccount: acct}
}

func (s *IMAPSource) Items(ctx context.Context, f func(archive.Item) error) error {
	if s.c == nil {
		c, err := s.login()
		if err != nil {
			return err
		}
		s.c = c
	}

	status, err := s.c.Select(inbox, true)
	if err != nil {
		return errors.Wrapf(err, "%s: selecting %s", s, inbox)
	}
	s.Log.Verbose("%s: %d messages in %s", s, status.Messages, inbox)
	if status.Messages == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(1, status.Messages)
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	ordinal := 0
	for msg := range messages {
		err := ctx.Err()
		if err == nil {
			err = s.deliver(msg, section, ordinal, f)
		}
		if err != nil {
			// Fetch keeps sending until the server's done.
			for range messages {
			}
			<-done
			return err
		}
		ordinal++
	}
	return errors.Wrapf(<-done, "%s: fetching messages", s)
}

func (s *IMAPSource) deliver(msg *imap.Message, section *imap.BodySectionName, ordinal int,
	f func(archive.Item) error) error {
	body := msg.GetBody(section)
	if body == nil {
		return errors.Errorf("%s: no body for message %d", s, msg.SeqNum)
	}
	b, err := ioutil.ReadAll(body)
	if err != nil {
		return errors.Wrapf(err, "%s: reading message %d", s, msg.SeqNum)
	}
	return f(archive.Item{Ordinal: ordinal, Data: b})
}

func (s *IMAPSource) Close() error {
	if s.c == nil {
		return nil
	}
	err := s.c.Logout()
	s.c = nil
	return err
}

// IMAPSink appends restored messages to the account's INBOX.
type IMAPSink struct {
	IMAPAccount
	c *client.Client
}

func NewIMAPSink(acct IMAPAccount) *IMAPSink {
	return &IMAPSink{IMAPAccount: acct}
}

func (s *IMAPSink) Append(ctx context.Context, e archive.Entry, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.c == nil {
		c, err := s.login()
		if err != nil {
			return err
		}
		s.c = c
	}
	if err := s.c.Append(inbox, nil, time.Time{}, bytes.NewBuffer(data)); err != nil {
		return errors.Wrapf(err, "%s: appending %s", s, e.Object)
	}
	return nil
}

func (s *IMAPSink) Close() error {
	if s.c == nil {
		return nil
	}
	err := s.c.Logout()
	s.c = nil
	return err
}
