package main

import (
	"context"
	"flag"
	"log"

	"github.com/pkg/errors"

	"github.com/relaysync/xfer"
)

// syncFlags are the flags common to pull, push, and clone: where the
// remote xferd lives, which project it serves, and optional login
// credentials for a non-anonymous session.
type syncFlags struct {
	url         *string
	serverCode  *string
	projectCode *string
	user        *string
	password    *string
	syncPrivate *bool
}

func addSyncFlags(fs *flag.FlagSet) syncFlags {
	return syncFlags{
		url:         fs.String("url", "", "xferd endpoint, e.g. http://host:8080/xfer"),
		serverCode:  fs.String("server-code", "", "server code to present"),
		projectCode: fs.String("project-code", "", "project code to present"),
		user:        fs.String("user", "", "login username (anonymous if unset)"),
		password:    fs.String("password", "", "login password"),
		syncPrivate: fs.Bool("sync-private", false, "also sync private artifacts"),
	}
}

func (f syncFlags) credentials() *xfer.Credentials {
	if *f.user == "" {
		return nil
	}
	return &xfer.Credentials{User: *f.user, Password: *f.password}
}

func (f syncFlags) run(ctx context.Context, s xfer.Store, mode xfer.Mode) error {
	if *f.url == "" {
		return errors.New("must supply -url")
	}

	policy := xfer.DefaultClientPolicy()
	policy.ServerCode = *f.serverCode
	policy.ProjectCode = *f.projectCode
	policy.SyncPrivate = *f.syncPrivate

	sess := xfer.NewSession(s, policy)
	t := &httpTransport{url: *f.url}

	skew, err := xfer.RunClient(ctx, sess, t, mode, f.credentials())
	if err != nil {
		return errors.Wrap(err, "running sync")
	}

	log.Printf("files sent %d, received %d; deltas sent %d, received %d",
		sess.Counters.FilesSent, sess.Counters.FilesRcvd,
		sess.Counters.DeltasSent, sess.Counters.DeltasRcvd)
	if skew.Flagged {
		log.Printf("WARNING: clock skew of %.1fs detected against the remote", skew.Seconds)
	}
	return nil
}

func (c maincmd) pull(ctx context.Context, fs *flag.FlagSet, args []string) error {
	f := addSyncFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	return f.run(ctx, c.s, xfer.ModePull)
}

func (c maincmd) push(ctx context.Context, fs *flag.FlagSet, args []string) error {
	f := addSyncFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	return f.run(ctx, c.s, xfer.ModePush)
}

func (c maincmd) clone(ctx context.Context, fs *flag.FlagSet, args []string) error {
	f := addSyncFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	return f.run(ctx, c.s, xfer.ModeClone)
}
