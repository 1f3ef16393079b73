// Package cli implements the closed set of administrative commands, with
// lookup by name, argument count validation and execution against the user
// and mapping stores.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/mjl-/mailet/mapping"
	"github.com/mjl-/mailet/mlog"
	"github.com/mjl-/mailet/store"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrArguments      = errors.New("wrong number of arguments")
)

// Type is an administrative command. Args is the number of words the command
// requires, including the command name itself.
type Type struct {
	Name   string
	Args   int
	Params string // For usage, e.g. "user password".
	Help   string
}

// HasCorrectArguments returns whether n words, including the command name, are
// valid for the command.
func (t Type) HasCorrectArguments(n int) bool {
	return n >= 0 && n == t.Args
}

// Usage returns a one-line usage description.
func (t Type) Usage() string {
	if t.Params == "" {
		return t.Name
	}
	return t.Name + " " + t.Params
}

var types = []Type{
	{"adduser", 3, "user password", "Add a user. A user named by an address requires its domain to exist."},
	{"removeuser", 2, "user", "Remove a user and its mailboxes."},
	{"listusers", 1, "", "List all users."},
	{"adddomain", 2, "domain", "Add a local domain."},
	{"removedomain", 2, "domain", "Remove a local domain."},
	{"containsdomain", 2, "domain", "Print whether the domain is local."},
	{"listdomains", 1, "", "List all local domains."},
	{"listmappings", 1, "", "List all address mappings."},
	{"listuserdomainmappings", 3, "user domain", "List the mappings for user and domain, either can be * for any."},
	{"addaddressmapping", 4, "user domain address", "Map user@domain to address."},
	{"removeaddressmapping", 4, "user domain address", "Remove an address mapping."},
	{"addregexmapping", 4, "user domain regex", "Map user@domain through a regular expression of the form pattern:replacement."},
	{"removeregexmapping", 4, "user domain regex", "Remove a regular expression mapping."},
	{"setpassword", 3, "user password", "Set the password of a user."},
	{"copymailbox", 3, "srcuser dstuser", "Copy all mailboxes and messages of srcuser to dstuser."},
	{"deleteusermailboxes", 2, "user", "Delete all mailboxes of a user."},
	{"createmailbox", 4, "namespace user name", "Create a mailbox."},
	{"listusermailboxes", 2, "user", "List the mailboxes of a user."},
	{"deletemailbox", 4, "namespace user name", "Delete a mailbox and its messages."},
}

// Types returns all commands, in the order they are listed in usage.
func Types() []Type {
	return slices.Clone(types)
}

// Lookup returns the command with exactly name.
func Lookup(name string) (Type, bool) {
	for _, t := range types {
		if t.Name == name {
			return t, true
		}
	}
	return Type{}, false
}

// LookupPtr is like Lookup, a nil name is not found.
func LookupPtr(name *string) (Type, bool) {
	if name == nil {
		return Type{}, false
	}
	return Lookup(*name)
}

// Env holds the stores commands operate on.
type Env struct {
	Store    *store.Store
	Mappings *mapping.Store
	Log      *slog.Logger
}

// Execute runs the command in args[0] with its parameters in args[1:], writing
// its output to w. The command is not invoked if it is unknown or has the wrong
// number of arguments.
func Execute(ctx context.Context, env Env, args []string, w io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: no command", ErrUnknownCommand)
	}
	t, ok := Lookup(args[0])
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, args[0])
	}
	if !t.HasCorrectArguments(len(args)) {
		return fmt.Errorf("%w: usage: %s", ErrArguments, t.Usage())
	}

	log := mlog.New("cli", env.Log).WithContext(ctx)
	log.Debug("executing command", slog.String("cmd", t.Name))

	bw := bufio.NewWriter(w)
	if err := run(ctx, env, t.Name, args[1:], bw); err != nil {
		log.Debugx("command failed", err, slog.String("cmd", t.Name))
		return err
	}
	return bw.Flush()
}

func run(ctx context.Context, env Env, name string, args []string, w *bufio.Writer) error {
	lines := func(l []string, err error) error {
		if err != nil {
			return err
		}
		for _, s := range l {
			fmt.Fprintln(w, s)
		}
		return nil
	}

	switch name {
	case "adduser":
		return env.Store.AddUser(ctx, args[0], args[1])
	case "removeuser":
		return env.Store.RemoveUser(ctx, args[0])
	case "listusers":
		return lines(env.Store.Users(ctx))
	case "setpassword":
		return env.Store.SetPassword(ctx, args[0], args[1])

	case "adddomain":
		return env.Store.AddDomain(ctx, args[0])
	case "removedomain":
		return env.Store.RemoveDomain(ctx, args[0])
	case "containsdomain":
		ok, err := env.Store.ContainsDomain(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(w, ok)
		return nil
	case "listdomains":
		return lines(env.Store.Domains(ctx))

	case "listmappings":
		m, err := env.Mappings.AllMappings(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\n", k, strings.Join(m[k], ", "))
		}
		return nil
	case "listuserdomainmappings":
		return lines(env.Mappings.UserDomainMappings(ctx, args[0], args[1]))
	case "addaddressmapping":
		return env.Mappings.AddAddressMapping(ctx, args[0], args[1], args[2])
	case "removeaddressmapping":
		return env.Mappings.RemoveAddressMapping(ctx, args[0], args[1], args[2])
	case "addregexmapping":
		return env.Mappings.AddRegexMapping(ctx, args[0], args[1], args[2])
	case "removeregexmapping":
		return env.Mappings.RemoveRegexMapping(ctx, args[0], args[1], args[2])

	case "copymailbox":
		return env.Store.CopyMailbox(ctx, args[0], args[1])
	case "deleteusermailboxes":
		return env.Store.DeleteUserMailboxes(ctx, args[0])
	case "createmailbox":
		return env.Store.CreateMailbox(ctx, args[0], args[1], args[2])
	case "listusermailboxes":
		l, err := env.Store.UserMailboxes(ctx, args[0])
		if err != nil {
			return err
		}
		for _, mb := range l {
			fmt.Fprintf(w, "%s\t%s\n", mb.Namespace, mb.Name)
		}
		return nil
	case "deletemailbox":
		return env.Store.DeleteMailbox(ctx, args[0], args[1], args[2])
	}
	// Lookup succeeded, so every command must have a case above.
	panic(fmt.Sprintf("missing implementation for command %q", name))
}
