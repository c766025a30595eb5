package sshd

import (
	"fmt"
	"strings"
	"sync"

	"github.com/anmitsu/go-shlex"
	"github.com/armon/go-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const prompt = "@axidma > "

type session struct {
	l        *logrus.Entry
	c        *ssh.ServerConn
	commands *radix.Tree

	termLock sync.Mutex
	term     *term.Terminal

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(commands *radix.Tree, conn *ssh.ServerConn, chans <-chan ssh.NewChannel, l *logrus.Entry) *session {
	s := &session{
		commands: radix.NewFromMap(commands.ToMap()),
		l:        l,
		c:        conn,
		done:     make(chan struct{}),
	}

	logout := func(any, []string, StringWriter) error {
		s.Close()
		return nil
	}
	for _, name := range []string{"logout", "exit"} {
		s.commands.Insert(name, &Command{
			Name:             name,
			ShortDescription: "Ends the current session",
			Callback:         logout,
		})
	}

	go s.handleChannels(chans)
	return s
}

// Done is closed once the session has ended.
func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) handleChannels(chans <-chan ssh.NewChannel) {
	// chans is closed by the ssh library when the connection goes away.
	defer s.Close()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			s.l.WithField("sshChannelType", newChannel.ChannelType()).Error("unknown channel type")
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.l.WithError(err).Warn("could not accept channel")
			continue
		}

		go s.handleRequests(requests, channel)
	}
}

func (s *session) handleRequests(in <-chan *ssh.Request, channel ssh.Channel) {
	for req := range in {
		var err error
		switch req.Type {
		case "shell":
			err = req.Reply(s.startTerm(channel), nil)

		case "pty-req", "window-change":
			err = req.Reply(true, nil)

		case "exec":
			s.exec(req, channel)
			return

		default:
			s.l.WithField("sshRequest", req.Type).Debug("Rejected unknown request")
			err = req.Reply(false, nil)
		}

		if err != nil {
			s.l.WithError(err).Info("Error handling ssh session requests")
			s.Close()
			return
		}
	}
}

// exec runs a single command line and reports its outcome as the exit status.
func (s *session) exec(req *ssh.Request, channel ssh.Channel) {
	defer channel.Close()

	var payload struct{ Value string }
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		_ = req.Reply(false, nil)
		return
	}
	_ = req.Reply(true, nil)

	status := struct{ Status uint32 }{}
	if err := s.dispatchCommand(payload.Value, newStringWriter(channel)); err != nil {
		s.l.WithError(err).WithField("command", payload.Value).Debug("ssh exec failed")
		status.Status = 1
	}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(status))
}

// startTerm attaches an interactive terminal to channel, only the first shell request is honored.
func (s *session) startTerm(channel ssh.Channel) bool {
	s.termLock.Lock()
	defer s.termLock.Unlock()
	if s.term != nil {
		return false
	}

	t := term.NewTerminal(channel, s.c.User()+prompt)
	t.AutoCompleteCallback = func(line string, pos int, key rune) (string, int, bool) {
		if key != '\t' {
			return "", 0, false
		}

		cmds := matchCommand(s.commands, line)
		if len(cmds) == 1 {
			return cmds[0] + " ", len(cmds[0]) + 1, true
		}
		_, _ = t.Write([]byte(strings.Join(cmds, "\n") + "\n\n"))
		return "", 0, false
	}
	s.term = t

	go s.handleInput(t)
	return true
}

func (s *session) handleInput(t *term.Terminal) {
	defer s.Close()
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}

		if err := s.dispatchCommand(line, newStringWriter(t)); err != nil {
			s.l.WithError(err).WithField("command", line).Debug("ssh command failed")
		}
	}
}

func (s *session) dispatchCommand(line string, w StringWriter) error {
	args, err := shlex.Split(line, true)
	if err != nil {
		_ = w.WriteLine(fmt.Sprintf("could not parse: %s", err))
		return err
	}

	if len(args) == 0 {
		dumpCommands(s.commands, w)
		return nil
	}

	c, err := lookupCommand(s.commands, args[0])
	if err != nil {
		_ = w.WriteLine(err.Error())
		return err
	}

	if c == nil {
		_ = w.WriteLine(fmt.Sprintf("did not understand: %s", line))
		dumpCommands(s.commands, w)
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}

	if checkHelpArgs(args) {
		return helpCallback(s.commands, []string{c.Name}, w)
	}

	return execCommand(c, args[1:], w)
}

func (s *session) Close() {
	s.closeOnce.Do(func() {
		_ = s.c.Close()
		close(s.done)
	})
}
