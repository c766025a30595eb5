package sshd

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/armon/go-radix"
)

// ErrUnknownCommand is returned when a line names no registered command.
var ErrUnknownCommand = errors.New("unknown command")

// CommandFlags is a function called before help or command execution to parse command line flags
// It should return a flag.FlagSet instance and a pointer to the struct that will contain parsed flags
type CommandFlags func() (*flag.FlagSet, any)

// CommandCallback is the function called when your command should execute.
// fs will be a pointer to the struct provided by Command.Flags, if there was one. -h and -help are reserved
// and handled automatically for you.
// a will be any unconsumed arguments.
// w is the writer to use when sending messages back to the client.
// An error returned by the callback is logged locally and turns into a non zero exit status for exec requests,
// the callback should handle messaging errors to the user where appropriate.
type CommandCallback func(fs any, a []string, w StringWriter) error

type Command struct {
	Name             string
	ShortDescription string
	Help             string
	// Group clusters related commands in the help listing, commands without one are listed under "general".
	Group    string
	Flags    CommandFlags
	Callback CommandCallback
}

func (c *Command) group() string {
	if c.Group == "" {
		return "general"
	}
	return c.Group
}

func execCommand(c *Command, args []string, w StringWriter) error {
	var fs any

	if c.Flags != nil {
		var fl *flag.FlagSet
		fl, fs = c.Flags()
		if fl != nil {
			// Parse failures print usage, keep it on the client's side.
			fl.SetOutput(w.GetWriter())
			if err := fl.Parse(args); err != nil {
				return err
			}
			args = fl.Args()
		}
	}

	return c.Callback(fs, args, w)
}

func dumpCommands(c *radix.Tree, w StringWriter) {
	groups := map[string][]string{}
	for _, cmd := range allCommands(c) {
		g := cmd.group()
		groups[g] = append(groups[g], fmt.Sprintf("  %s - %s", cmd.Name, cmd.ShortDescription))
	}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	if err := w.WriteLine("Available commands:"); err != nil {
		return
	}
	for _, g := range names {
		sort.Strings(groups[g])
		_ = w.Printf("%s:\n%s\n", g, strings.Join(groups[g], "\n"))
	}
	_ = w.WriteLine("")
}

// lookupCommand finds a command by its full name or by a prefix that only one command starts with.
// A nil command and nil error means nothing matched.
func lookupCommand(c *radix.Tree, sCmd string) (*Command, error) {
	if sCmd == "" {
		return nil, nil
	}

	v, ok := c.Get(sCmd)
	if !ok {
		matches := matchCommand(c, sCmd)
		switch len(matches) {
		case 0:
			return nil, nil
		case 1:
			v, _ = c.Get(matches[0])
		default:
			return nil, fmt.Errorf("%s is ambiguous: %s", sCmd, strings.Join(matches, ", "))
		}
	}

	command, ok := v.(*Command)
	if !ok {
		return nil, errors.New("failed to cast command")
	}

	return command, nil
}

func matchCommand(c *radix.Tree, cmd string) []string {
	cmds := make([]string, 0)
	c.WalkPrefix(cmd, func(found string, v any) bool {
		cmds = append(cmds, found)
		return false
	})
	sort.Strings(cmds)
	return cmds
}

func allCommands(c *radix.Tree) []*Command {
	cmds := make([]*Command, 0, c.Len())
	c.Walk(func(found string, v any) bool {
		if cmd, ok := v.(*Command); ok {
			cmds = append(cmds, cmd)
		}
		return false
	})
	return cmds
}

func helpCallback(commands *radix.Tree, a []string, w StringWriter) error {
	if len(a) == 0 {
		dumpCommands(commands, w)
		return nil
	}

	cmd, err := lookupCommand(commands, a[0])
	if err != nil {
		return w.WriteLine(err.Error())
	}

	if cmd == nil {
		return w.WriteLine("Command not available " + a[0])
	}

	if err := w.Printf("%s - %s\n", cmd.Name, cmd.ShortDescription); err != nil {
		return err
	}

	if cmd.Help != "" {
		if err := w.Printf("  %s\n", cmd.Help); err != nil {
			return err
		}
	}

	if cmd.Flags != nil {
		if fs, _ := cmd.Flags(); fs != nil {
			fs.SetOutput(w.GetWriter())
			fs.PrintDefaults()
		}
	}

	return nil
}

func checkHelpArgs(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "-help" {
			return true
		}
	}

	return false
}
