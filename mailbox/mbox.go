// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/mmp/mbk/archive"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// The envelope line written before each message by MboxSink.
const mboxFromLine = "From MAILER-DAEMON Thu Jan  1 00:00:00 1970\n"

// MboxSource provides the messages in an mbox file. Lines starting with
// "From " separate messages; ">From " quoting (mboxrd) is undone.
type MboxSource struct {
	Fs   afero.Fs
	Path string
}

func NewMboxSource(fs afero.Fs, path string) *MboxSource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &MboxSource{Fs: fs, Path: path}
}

func (m *MboxSource) String() string {
	return "mbox:" + m.Path
}

func (m *MboxSource) Items(ctx context.Context, f func(archive.Item) error) error {
	file, err := m.Fs.Open(m.Path)
	if err != nil {
		return errors.Wrap(err, m.String())
	}
	defer file.Close()

	ordinal := 0
	var msg []byte
	started := false
	emit := func() error {
		if !started {
			return nil
		}
		// The blank line before the next envelope belongs to the file,
		// not the message. An empty message is nothing but that line.
		if bytes.HasSuffix(msg, []byte("\n\n")) || bytes.Equal(msg, []byte("\n")) {
			msg = msg[:len(msg)-1]
		}
		it := archive.Item{Ordinal: ordinal, Data: msg}
		ordinal++
		msg = nil
		return f(it)
	}

	r := bufio.NewReader(file)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if bytes.HasPrefix(line, []byte("From ")) {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := emit(); err != nil {
					return err
				}
				started = true
			} else if started {
				msg = append(msg, unquoteFrom(line)...)
			} else if len(bytes.TrimSpace(line)) > 0 {
				return errors.Errorf("%s: doesn't start with a \"From \" line", m.Path)
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, m.String())
		}
	}
	return emit()
}

// isQuotedFrom reports whether the line matches ^>*From .
func isQuotedFrom(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(line, ">"), []byte("From "))
}

func unquoteFrom(line []byte) []byte {
	if line[0] == '>' && isQuotedFrom(line) {
		return line[1:]
	}
	return line
}

// MboxSink appends restored messages to an mbox file, creating it if
// necessary. It must be closed when the restore is done.
type MboxSink struct {
	Fs   afero.Fs
	Path string
	f    afero.File
	w    *bufio.Writer
}

func NewMboxSink(fs afero.Fs, path string) *MboxSink {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &MboxSink{Fs: fs, Path: path}
}

func (m *MboxSink) String() string {
	return "mbox:" + m.Path
}

func (m *MboxSink) open() error {
	if err := m.Fs.MkdirAll(filepath.Dir(m.Path), 0700); err != nil {
		return err
	}
	f, err := m.Fs.OpenFile(m.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	m.f = f
	m.w = bufio.NewWriter(f)
	return nil
}

func (m *MboxSink) Append(ctx context.Context, e archive.Entry, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.f == nil {
		if err := m.open(); err != nil {
			return errors.Wrap(err, m.String())
		}
	}

	if _, err := m.w.WriteString(mboxFromLine); err != nil {
		return err
	}
	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i+1], data[i+1:]
		} else {
			line, data = data, nil
		}
		if isQuotedFrom(line) {
			if err := m.w.WriteByte('>'); err != nil {
				return err
			}
		}
		if _, err := m.w.Write(line); err != nil {
			return err
		}
		if data == nil && line[len(line)-1] != '\n' {
			if err := m.w.WriteByte('\n'); err != nil {
				return err
			}
		}
	}
	return m.w.WriteByte('\n')
}

func (m *MboxSink) Close() error {
	if m.f == nil {
		return nil
	}
	err := m.w.Flush()
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	m.f, m.w = nil, nil
	return errors.Wrap(err, m.String())
}
