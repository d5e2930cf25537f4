// Command stratum is a thin CLI front-end over the core store/mount
// engine, exercising the §6 operation contract. The command-line surface,
// per the core's scope, is an external collaborator, not part of the core
// itself.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/fyralabs/stratum/internal/store"
)

const defaultBasePath = "/var/lib/stratum"

func openStore(c *cli.Context) (*store.Store, error) {
	base := c.String("store")
	if base == "" {
		base = defaultBasePath
	}
	return store.New(base)
}

func main() {
	app := &cli.App{
		Name:  "stratum",
		Usage: "content-addressed layered filesystem store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "store", Usage: "store base directory", EnvVars: []string{"STRATUM_STORE"}},
		},
		Commands: []*cli.Command{
			importCommand(),
			patchCommand(),
			tagCommand(),
			untagCommand(),
			mountCommand(),
			unmountCommand(),
			removeCommand(),
			worktreeCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.L.WithError(err).Error("stratum: command failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Aliases:   []string{"i"},
		Usage:     "import a directory as a new stratum commit",
		ArgsUsage: "<directory> <label>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("usage: stratum import <directory> <label>")
			}
			s, err := openStore(c)
			if err != nil {
				return err
			}
			defer s.Close()

			dir, label := c.Args().Get(0), c.Args().Get(1)
			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}

			id, err := s.CommitDirectoryBare(context.Background(), label, dir, "", false)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func patchCommand() *cli.Command {
	return &cli.Command{
		Name:      "patch",
		Usage:     "layer a patch directory onto an existing commit",
		ArgsUsage: "<directory> <label> <base-ref>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("usage: stratum patch <directory> <label> <base-ref>")
			}
			s, err := openStore(c)
			if err != nil {
				return err
			}
			defer s.Close()

			dir, label, baseRefStr := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
			baseRef, err := store.ParseRef(baseRefStr)
			if err != nil {
				return err
			}
			baseCommit, err := resolveRefArg(s, baseRef)
			if err != nil {
				return err
			}

			id, err := s.UnionPatchCommit(context.Background(), label, dir, baseCommit, false)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func resolveRefArg(s *store.Store, ref store.Ref) (string, error) {
	switch ref.Kind {
	case store.RefCommit:
		return ref.CommitID, nil
	case store.RefTag:
		return s.ResolveTag(ref.Label, ref.Tag)
	default:
		wt, err := s.LoadWorktree(ref.Label, ref.Worktree)
		if err != nil {
			return "", err
		}
		return wt.BaseCommit, nil
	}
}

func tagCommand() *cli.Command {
	return &cli.Command{
		Name:      "tag",
		Aliases:   []string{"t"},
		Usage:     "tag a commit with a human-readable name",
		ArgsUsage: "<label> <commit-id> <tag>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("usage: stratum tag <label> <commit-id> <tag>")
			}
			s, err := openStore(c)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Tag(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
		},
	}
}

func untagCommand() *cli.Command {
	return &cli.Command{
		Name:      "untag",
		Aliases:   []string{"ut"},
		Usage:     "remove a tag",
		ArgsUsage: "<label> <tag>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("usage: stratum untag <label> <tag>")
			}
			s, err := openStore(c)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Untag(c.Args().Get(0), c.Args().Get(1))
		},
	}
}

func mountCommand() *cli.Command {
	return &cli.Command{
		Name:      "mount",
		Aliases:   []string{"mnt", "m"},
		Usage:     "mount a stratum reference at a path",
		ArgsUsage: "<ref> <mountpoint> [worktree]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("usage: stratum mount <ref> <mountpoint> [worktree]")
			}
			s, err := openStore(c)
			if err != nil {
				return err
			}
			defer s.Close()

			ref, err := store.ParseRef(c.Args().Get(0))
			if err != nil {
				return err
			}
			worktree := ""
			if c.NArg() >= 3 {
				worktree = c.Args().Get(2)
			}
			return s.MountRef(ref, c.Args().Get(1), worktree)
		},
	}
}

func unmountCommand() *cli.Command {
	return &cli.Command{
		Name:      "unmount",
		Aliases:   []string{"umount", "u"},
		Usage:     "unmount a stratum volume",
		ArgsUsage: "<mountpoint>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: stratum unmount <mountpoint>")
			}
			s, err := openStore(c)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.UnmountRef(c.Args().Get(0))
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm", "del"},
		Usage:     "delete a commit (refused while any mount references it)",
		ArgsUsage: "<commit-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: stratum remove <commit-id>")
			}
			s, err := openStore(c)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.DeleteCommit(c.Args().Get(0))
		},
	}
}

func worktreeCommand() *cli.Command {
	return &cli.Command{
		Name:    "worktree",
		Aliases: []string{"wt"},
		Usage:   "manage worktrees",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				ArgsUsage: "<label> <name> <base-commit>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 3 {
						return fmt.Errorf("usage: stratum worktree create <label> <name> <base-commit>")
					}
					s, err := openStore(c)
					if err != nil {
						return err
					}
					defer s.Close()
					return s.CreateWorktree(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), "")
				},
			},
			{
				Name:      "remove",
				ArgsUsage: "<label> <name>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return fmt.Errorf("usage: stratum worktree remove <label> <name>")
					}
					s, err := openStore(c)
					if err != nil {
						return err
					}
					defer s.Close()
					return s.RemoveWorktree(c.Args().Get(0), c.Args().Get(1))
				},
			},
			{
				Name:      "rebase",
				ArgsUsage: "<label> <name> <new-base-ref>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 3 {
						return fmt.Errorf("usage: stratum worktree rebase <label> <name> <new-base-ref>")
					}
					s, err := openStore(c)
					if err != nil {
						return err
					}
					defer s.Close()
					newBase, err := store.ParseRef(c.Args().Get(2))
					if err != nil {
						return err
					}
					return s.RebaseWorktree(c.Args().Get(0), c.Args().Get(1), newBase)
				},
			},
		},
	}
}
